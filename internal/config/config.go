package config

import "context"

// Package config provides configuration management for the opspulse engine.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (OPSPULSE_* prefix)
//   2. YAML config files (default: /etc/opspulse/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port (default 8090)
//      - ingest_rate_per_min: Per-producer ingest cap (0 = unlimited)
//
//   2. Observation
//      - buffer_size: Ring buffer capacity per record kind
//      - warm_restart: Reload buffers from the durable store on boot
//      - warm_restart_limit: Max records reloaded per kind
//
//   3. Engine
//      - cycle_interval_seconds: Ticker period between cycles (0 = manual)
//      - cycle_deadline_seconds: Per-cycle deadline (0 = none)
//      - alert_cooldown_seconds: Alert gate fingerprint cooldown
//
//   4. Features
//      - graph_sink / alert_gate / llm_polish / webhook: independent
//        on/off flags; off means no-op provider
//      - webhook_url: Alert webhook endpoint
//
//   5. Database
//      - sqlite_path: Path to SQLite file ("" disables durable storage)
//
//   6. Blackboard
//      - cycle_log_path: JSONL append log of closed cycles
//
//   7. Audit
//      - log_path, max_size_mb, max_backups, max_age_days, compress
//
//   8. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port int

		// IngestRatePerMin caps each producer's ingest rate. 0 disables.
		IngestRatePerMin int
	}

	// Observation layer configuration
	Observation struct {
		BufferSize       int
		WarmRestart      bool
		WarmRestartLimit int
	}

	// Engine configuration
	Engine struct {
		CycleIntervalSeconds int
		CycleDeadlineSeconds int
		AlertCooldownSeconds int
	}

	// Feature flags; off means no-op provider
	Features struct {
		GraphSink  bool
		AlertGate  bool
		LLMPolish  bool
		Webhook    bool
		WebhookURL string
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Blackboard configuration
	Blackboard struct {
		CycleLogPath string
	}

	// Audit configuration
	Audit struct {
		LogPath    string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/opspulse/config.yaml")
}
