package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"streamsim/internal/audit"
	"streamsim/internal/config"
	"streamsim/internal/mirror"

	"github.com/spf13/cobra"
)

const doctorTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the local setup",
		Long: `Verifies that the configuration loads, the listen port is free, and
the enabled sinks (audit database, Redis mirror, log file) are reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &doctor{out: cmd.OutOrStdout()}
			d.run(resolveConfigPath())
			return d.summary()
		},
	}
}

type doctor struct {
	out                    io.Writer
	passed, warned, failed int
}

func (d *doctor) run(cfgPath string) {
	fmt.Fprintf(d.out, "streamsim doctor v%s\n\n", version)

	if _, err := os.Stat(cfgPath); err != nil {
		d.warn("Config file", fmt.Sprintf("not found at %s (defaults apply; run 'streamsim init')", cfgPath))
	} else {
		d.pass("Config file", cfgPath)
	}

	cfg, err := config.Load(cfgPath)
	switch {
	case err == nil:
		d.pass("Config validation", "valid")
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Defaults()
	default:
		d.fail("Config validation", err.Error())
		return
	}

	if err := checkPort(cfg.Server.Addr()); err != nil {
		d.warn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
	} else {
		d.pass("Listen address", cfg.Server.Addr()+" available")
	}

	if cfg.Audit.Enabled {
		if err := checkAuditDB(cfg.Audit.DBPath); err != nil {
			d.fail("Audit database", err.Error())
		} else {
			d.pass("Audit database", cfg.Audit.DBPath)
		}
	}

	if cfg.Mirror.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
		rdb, err := mirror.Dial(ctx, cfg.Mirror.URL, cfg.Mirror.Password)
		cancel()
		if err != nil {
			d.fail("Redis mirror", err.Error())
		} else {
			rdb.Close()
			d.pass("Redis mirror", config.Sanitize(cfg).Mirror.URL)
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			d.pass("Log file", cfg.General.LogFile)
		}
	}
}

func (d *doctor) summary() error {
	fmt.Fprintf(d.out, "\nResults: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	return nil
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Fprintf(d.out, "  [PASS] %-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Fprintf(d.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Fprintf(d.out, "  [WARN] %-20s %s\n", check, detail)
}

// checkAuditDB opens the store, which creates the schema, and runs one query.
func checkAuditDB(dbPath string) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := audit.NewSQLiteStore(dbPath, quiet)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	if _, err := store.ListSessions(ctx, 1); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
