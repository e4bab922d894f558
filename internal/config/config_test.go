package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8090 {
		t.Errorf("default port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Server.IngestRatePerMin != 600 {
		t.Errorf("default ingest rate = %d, want 600", cfg.Server.IngestRatePerMin)
	}
	if cfg.Observation.BufferSize != 5000 || !cfg.Observation.WarmRestart {
		t.Errorf("observation defaults = %+v", cfg.Observation)
	}
	if cfg.Engine.CycleIntervalSeconds != 30 || cfg.Engine.AlertCooldownSeconds != 300 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Features.GraphSink || cfg.Features.AlertGate || cfg.Features.Webhook {
		t.Error("outbound features are on by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if errs := DefaultConfig().Validate(); len(errs) != 0 {
		t.Errorf("default config does not validate: %v", errs)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative ingest rate", func(c *Config) { c.Server.IngestRatePerMin = -1 }, "server.ingest_rate_per_min"},
		{"zero buffer", func(c *Config) { c.Observation.BufferSize = 0 }, "observation.buffer_size"},
		{"warm restart limit over buffer", func(c *Config) {
			c.Observation.BufferSize = 10
			c.Observation.WarmRestartLimit = 100
		}, "observation.warm_restart_limit"},
		{"negative cycle interval", func(c *Config) { c.Engine.CycleIntervalSeconds = -5 }, "engine.cycle_interval_seconds"},
		{"negative cooldown", func(c *Config) { c.Engine.AlertCooldownSeconds = -1 }, "engine.alert_cooldown_seconds"},
		{"webhook without url", func(c *Config) { c.Features.Webhook = true }, "features.webhook_url"},
		{"webhook bad url", func(c *Config) {
			c.Features.Webhook = true
			c.Features.WebhookURL = "not a url"
		}, "features.webhook_url"},
		{"zero audit size", func(c *Config) { c.Audit.MaxSizeMB = 0 }, "audit.max_size_mb"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		errs := cfg.Validate()
		if len(errs) == 0 {
			t.Errorf("%s: validation passed", tc.name)
			continue
		}
		found := false
		for _, err := range errs {
			if strings.Contains(err.Error(), tc.field) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("%s: no error names %s: %v", tc.name, tc.field, errs)
		}
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}
	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg := mgr.Get(ctx)
	if cfg.Server.Port != 8090 || cfg.Server.IngestRatePerMin != 600 {
		t.Errorf("defaults not applied: %+v", cfg.Server)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9100
  ingest_rate_per_min: 0
engine:
  cycle_interval_seconds: 0
features:
  alert_gate: true
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	mgr, err := NewConfigManager(path)
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}
	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := mgr.Get(ctx)
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.IngestRatePerMin != 0 {
		t.Errorf("ingest rate = %d, want 0", cfg.Server.IngestRatePerMin)
	}
	if cfg.Engine.CycleIntervalSeconds != 0 {
		t.Errorf("cycle interval = %d, want 0", cfg.Engine.CycleIntervalSeconds)
	}
	if !cfg.Features.AlertGate {
		t.Error("alert_gate not read from file")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Observation.BufferSize != 5000 {
		t.Errorf("buffer size = %d, want default 5000", cfg.Observation.BufferSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPSPULSE_WEBHOOK_URL", "https://hooks.example.com/opspulse")
	t.Setenv("OPSPULSE_SQLITE_PATH", "/tmp/override.db")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}
	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := mgr.Get(ctx)
	if !cfg.Features.Webhook || cfg.Features.WebhookURL != "https://hooks.example.com/opspulse" {
		t.Errorf("webhook override not applied: %+v", cfg.Features)
	}
	if cfg.Database.SQLitePath != "/tmp/override.db" {
		t.Errorf("sqlite path = %s", cfg.Database.SQLitePath)
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	mgr, err := NewConfigManager(path)
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}
	ctx := context.Background()
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 9200\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := mgr.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := mgr.Get(ctx).Server.Port; got != 9200 {
		t.Errorf("port after reload = %d, want 9200", got)
	}
}
