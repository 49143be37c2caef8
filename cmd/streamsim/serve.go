package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamsim/internal/audit"
	"streamsim/internal/bus"
	"streamsim/internal/channel"
	"streamsim/internal/config"
	"streamsim/internal/metrics"
	"streamsim/internal/mirror"
	"streamsim/internal/stream"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		port    int
		profile string
		delay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Long:  "Starts the WebSocket server and any enabled sinks (metrics, audit, mirror). Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("profile") {
				cfg.Stream.Profile = profile
			}
			if cmd.Flags().Changed("delay") {
				cfg.Stream.DelayMillis = int(delay / time.Millisecond)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			log, closeLog, err := newLogger(cfg.General)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = log
			logger.Debug("config", "path", cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	cmd.Flags().StringVar(&profile, "profile", "", "override stream.profile (plain, markdown)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "override stream.delayMillis (e.g. 100ms)")
	return cmd
}

// runServe wires the enabled components onto one event bus and runs the
// server until ctx is done.
func runServe(ctx context.Context, cfg *config.Config) error {
	events := bus.NewEventBus(logger)

	wsCfg := channel.WSConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Path:            cfg.WS.Path,
		ReadBufferSize:  cfg.WS.ReadBufferSize,
		WriteBufferSize: cfg.WS.WriteBufferSize,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Streamer: stream.NewStreamer(stream.StreamerConfig{
			Profile:   stream.Profile(cfg.Stream.Profile),
			ChunkSize: cfg.Stream.ChunkSize,
			Delay:     time.Duration(cfg.Stream.DelayMillis) * time.Millisecond,
			Logger:    logger,
		}),
		Events:  events,
		Version: version,
		Logger:  logger,
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewMetricsCollector()
		collector.Subscribe(events)
		wsCfg.MetricsPath = cfg.Metrics.Endpoint
		wsCfg.MetricsHandler = collector.Handler()
		logger.Info("metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	// Sinks run until the server has returned, so the connection.closed
	// events emitted while it shuts down are still written and published.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinks errgroup.Group

	if cfg.Audit.Enabled {
		store, err := audit.NewSQLiteStore(cfg.Audit.DBPath, logger)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer store.Close()
		rec := audit.NewRecorder(store, logger)
		rec.Subscribe(events)
		sinks.Go(func() error { return rec.Run(sinkCtx) })
		wsCfg.Sessions = store
		logger.Info("audit enabled", "db", cfg.Audit.DBPath)
	}

	if cfg.Mirror.Enabled {
		rdb, err := mirror.Dial(ctx, cfg.Mirror.URL, cfg.Mirror.Password)
		if err != nil {
			stopSinks()
			sinks.Wait()
			return fmt.Errorf("mirror: %w", err)
		}
		defer rdb.Close()
		m := mirror.New(rdb, cfg.Mirror.ChannelPrefix, logger)
		m.Subscribe(events)
		sinks.Go(func() error { return m.Run(sinkCtx) })
		logger.Info("mirror enabled", "prefix", cfg.Mirror.ChannelPrefix)
	}

	server := channel.NewWebSocketServer(wsCfg)
	logger.Info("server started. Press Ctrl+C to stop.", "profile", cfg.Stream.Profile, "delay_ms", cfg.Stream.DelayMillis)
	serveErr := server.Start(ctx)

	stopSinks()
	if err := sinks.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}
