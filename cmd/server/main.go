package main

// Package main is the entry point for the opspulse engine.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Build the observation layer, blackboard, agents, and reasoning engine
//   - Start the HTTP server (ingest, cycle control, insights, operator tools)
//   - Drive the background cycle ticker at the configured interval
//   - Implement graceful shutdown with context cancellation
//
// Architecture Flow:
//   1. Producers POST raw events and metrics → observation layer (purity guard)
//   2. The engine ticks: pulse perception sizes the cycle window and workers
//   3. Detection agents write findings to the per-cycle blackboard
//   4. Risk forecast and causal agents build on the detection findings
//   5. Severity, recommendations, and the insight materialize the closed cycle
//   6. Mirrors (graph sink, alert gate, websocket stream) fan the cycle out
//
// Graceful Shutdown:
//   - Stops the cycle ticker
//   - Closes all HTTP listeners and websocket clients
//   - Flushes the audit log and the cycle JSONL log
//   - Closes the durable store

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opspulse/opspulse-engine/internal/config"
	"github.com/opspulse/opspulse-engine/internal/server"
)

func main() {
	configPath := os.Getenv("OPSPULSE_CONFIG")
	if configPath == "" {
		configPath = "/etc/opspulse/config.yaml"
	}

	// Load configuration from file, environment, and defaults
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create server with all components wired together
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	// Wait for shutdown signal (Ctrl+C or SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}
}

// buildLogger constructs the zap logger per the logging config section.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Logging.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if strings.ToLower(cfg.Logging.Format) == "text" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zapCfg.Build()
}
