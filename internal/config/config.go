package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"streamsim/internal/stream"
)

// Config is the root configuration for streamsim.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	WS      WSConfig      `json:"ws" yaml:"ws"`
	Stream  StreamConfig  `json:"stream" yaml:"stream"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Audit   AuditConfig   `json:"audit" yaml:"audit"`
	Mirror  MirrorConfig  `json:"mirror" yaml:"mirror"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`   // debug | info | warn | error
	LogFormat string `json:"logFormat" yaml:"logFormat"` // text | json
	LogFile   string `json:"logFile" yaml:"logFile,omitempty"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// WSConfig configures the WebSocket endpoint.
type WSConfig struct {
	Path            string   `json:"path" yaml:"path"`
	ReadBufferSize  int      `json:"readBufferSize" yaml:"readBufferSize"`
	WriteBufferSize int      `json:"writeBufferSize" yaml:"writeBufferSize"`
	MaxMessageBytes int64    `json:"maxMessageBytes" yaml:"maxMessageBytes"` // 0 = unlimited
	AllowedOrigins  []string `json:"allowedOrigins" yaml:"allowedOrigins,omitempty"`
}

// StreamConfig shapes the synthetic reply.
type StreamConfig struct {
	Profile     string `json:"profile" yaml:"profile"` // plain | markdown
	ChunkSize   int    `json:"chunkSize" yaml:"chunkSize"`
	DelayMillis int    `json:"delayMillis" yaml:"delayMillis"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// AuditConfig configures the SQLite session log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

// MirrorConfig configures publishing lifecycle events to Redis.
type MirrorConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	Password      string `json:"password" yaml:"password,omitempty"`
	ChannelPrefix string `json:"channelPrefix" yaml:"channelPrefix"`
}

// Addr returns the listen address host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.streamsim).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".streamsim"
	}
	return filepath.Join(home, ".streamsim")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Audit.DBPath = ExpandPath(cfg.Audit.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		varName := groups[1]
		defaultVal, hasDefault := groups[2], groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON or YAML depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	if msg := checkRoute(cfg.WS.Path); msg != "" {
		errs = append(errs, "ws.path "+msg)
	}
	if cfg.WS.ReadBufferSize < 0 || cfg.WS.WriteBufferSize < 0 {
		errs = append(errs, "ws buffer sizes must be >= 0")
	}
	if cfg.WS.MaxMessageBytes < 0 {
		errs = append(errs, "ws.maxMessageBytes must be >= 0")
	}

	if !stream.ValidProfile(cfg.Stream.Profile) {
		errs = append(errs, fmt.Sprintf("stream.profile must be one of: %s", strings.Join(stream.Profiles(), ", ")))
	}
	if cfg.Stream.ChunkSize < 1 {
		errs = append(errs, "stream.chunkSize must be >= 1")
	}
	if cfg.Stream.DelayMillis < 0 || cfg.Stream.DelayMillis > 60000 {
		errs = append(errs, "stream.delayMillis must be between 0 and 60000")
	}

	if cfg.Metrics.Enabled {
		if msg := checkRoute(cfg.Metrics.Endpoint); msg != "" {
			errs = append(errs, "metrics.endpoint "+msg)
		} else if cfg.Metrics.Endpoint == cfg.WS.Path {
			errs = append(errs, "metrics.endpoint must differ from ws.path")
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.dbPath is required when audit is enabled")
	}
	if cfg.Mirror.Enabled && cfg.Mirror.URL == "" {
		errs = append(errs, "mirror.url is required when mirror is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// builtinRoutes are always served next to the WebSocket endpoint.
var builtinRoutes = []string{"/health", "/status", "/api/sessions", "/api/events"}

// checkRoute reports why p cannot be mounted as a literal HTTP route, or ""
// when it can. Route patterns treat braces as wildcards, so they are refused.
func checkRoute(p string) string {
	switch {
	case !strings.HasPrefix(p, "/"):
		return "must start with /"
	case strings.ContainsAny(p, "{}"):
		return "must not contain { or }"
	case strings.IndexFunc(p, unicode.IsSpace) >= 0:
		return "must not contain whitespace"
	case slices.Contains(builtinRoutes, p):
		return "collides with a built-in route: " + p
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	if clean != p {
		return "must be a clean path (got " + p + ", want " + clean + ")"
	}
	return ""
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
