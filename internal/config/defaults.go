package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.IngestRatePerMin = 600

	// Observation defaults
	cfg.Observation.BufferSize = 5000
	cfg.Observation.WarmRestart = true
	cfg.Observation.WarmRestartLimit = 1000

	// Engine defaults
	cfg.Engine.CycleIntervalSeconds = 30
	cfg.Engine.CycleDeadlineSeconds = 0 // no deadline
	cfg.Engine.AlertCooldownSeconds = 300

	// Feature defaults: everything outbound is off until configured
	cfg.Features.GraphSink = false
	cfg.Features.AlertGate = false
	cfg.Features.LLMPolish = false
	cfg.Features.Webhook = false
	cfg.Features.WebhookURL = ""

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/opspulse/opspulse.db"

	// Blackboard defaults
	cfg.Blackboard.CycleLogPath = "/var/lib/opspulse/cycles.jsonl"

	// Audit defaults
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}
