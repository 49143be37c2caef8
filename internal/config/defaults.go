package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   3001,
			ShutdownTimeoutSeconds: 5,
		},
		WS: WSConfig{
			Path:            "/",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxMessageBytes: 64 << 10,
		},
		Stream: StreamConfig{
			Profile:     "plain",
			ChunkSize:   3,
			DelayMillis: 100,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Audit: AuditConfig{
			Enabled: false,
			DBPath:  "~/.streamsim/sessions.db",
		},
		Mirror: MirrorConfig{
			Enabled:       false,
			URL:           "redis://localhost:6379/0",
			ChannelPrefix: "streamsim:",
		},
	}
}
