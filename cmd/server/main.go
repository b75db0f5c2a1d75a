package main

// Package main is the entry point for the churnwatch server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and CHURNWATCH_* environment variables
//   - Open the SQLite or PostgreSQL store and apply migrations
//   - Start the task runner, the cron scheduler and the WebSocket hub
//   - Serve the REST API under /api/v1, the /ws/* groups, /health and /metrics
//   - Shut down gracefully on SIGINT / SIGTERM

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/config"
	"github.com/kubilitics/churnwatch/internal/pkg/logger"
	"github.com/kubilitics/churnwatch/internal/pkg/tracing"
	"github.com/kubilitics/churnwatch/internal/server"
)

func main() {
	configPath := flag.String("config", envOr("CHURNWATCH_CONFIG", "/etc/churnwatch/config.yaml"), "path to the config file")
	flag.Parse()

	ctx := context.Background()

	// Load configuration
	mgr, err := config.NewConfigManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	log, err := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	shutdownTracing, err := tracing.Init(tracing.Options{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Protocol:     cfg.Tracing.Protocol,
	})
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Fatal("failed to create server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}

	// Most settings are read once at startup; report edits so operators know to restart.
	go func() {
		for range mgr.Watch(ctx) {
			log.Info("configuration file changed; restart churnwatch to apply", zap.String("path", *configPath))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-srv.Done():
		log.Error("server stopped unexpectedly")
	}

	if err := srv.Stop(); err != nil {
		log.Error("error stopping server", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
