package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("OPSPULSE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK, we'll use defaults + env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	// Start watching config file
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		// Reload config
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		// Send updated config to channel
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.ingest_rate_per_min", defaults.Server.IngestRatePerMin)

	// Observation defaults
	m.viper.SetDefault("observation.buffer_size", defaults.Observation.BufferSize)
	m.viper.SetDefault("observation.warm_restart", defaults.Observation.WarmRestart)
	m.viper.SetDefault("observation.warm_restart_limit", defaults.Observation.WarmRestartLimit)

	// Engine defaults
	m.viper.SetDefault("engine.cycle_interval_seconds", defaults.Engine.CycleIntervalSeconds)
	m.viper.SetDefault("engine.cycle_deadline_seconds", defaults.Engine.CycleDeadlineSeconds)
	m.viper.SetDefault("engine.alert_cooldown_seconds", defaults.Engine.AlertCooldownSeconds)

	// Feature defaults
	m.viper.SetDefault("features.graph_sink", defaults.Features.GraphSink)
	m.viper.SetDefault("features.alert_gate", defaults.Features.AlertGate)
	m.viper.SetDefault("features.llm_polish", defaults.Features.LLMPolish)
	m.viper.SetDefault("features.webhook", defaults.Features.Webhook)
	m.viper.SetDefault("features.webhook_url", defaults.Features.WebhookURL)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Blackboard defaults
	m.viper.SetDefault("blackboard.cycle_log_path", defaults.Blackboard.CycleLogPath)

	// Audit defaults
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.IngestRatePerMin = m.viper.GetInt("server.ingest_rate_per_min")

	// Observation
	cfg.Observation.BufferSize = m.viper.GetInt("observation.buffer_size")
	cfg.Observation.WarmRestart = m.viper.GetBool("observation.warm_restart")
	cfg.Observation.WarmRestartLimit = m.viper.GetInt("observation.warm_restart_limit")

	// Engine
	cfg.Engine.CycleIntervalSeconds = m.viper.GetInt("engine.cycle_interval_seconds")
	cfg.Engine.CycleDeadlineSeconds = m.viper.GetInt("engine.cycle_deadline_seconds")
	cfg.Engine.AlertCooldownSeconds = m.viper.GetInt("engine.alert_cooldown_seconds")

	// Features
	cfg.Features.GraphSink = m.viper.GetBool("features.graph_sink")
	cfg.Features.AlertGate = m.viper.GetBool("features.alert_gate")
	cfg.Features.LLMPolish = m.viper.GetBool("features.llm_polish")
	cfg.Features.Webhook = m.viper.GetBool("features.webhook")
	cfg.Features.WebhookURL = m.viper.GetString("features.webhook_url")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Blackboard
	cfg.Blackboard.CycleLogPath = m.viper.GetString("blackboard.cycle_log_path")

	// Audit
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (m *viperConfigManager) applyEnvOverrides() {
	// Webhook URL from environment
	if url := os.Getenv("OPSPULSE_WEBHOOK_URL"); url != "" {
		m.config.Features.WebhookURL = url
		m.config.Features.Webhook = true
	}

	// Database path from environment
	if path := os.Getenv("OPSPULSE_SQLITE_PATH"); path != "" {
		m.config.Database.SQLitePath = path
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("OPSPULSE_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}
}
