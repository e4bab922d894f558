package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.IngestRatePerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.ingest_rate_per_min",
			Message: "ingest_rate_per_min cannot be negative",
		})
	}

	// Validate observation configuration
	if c.Observation.BufferSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "observation.buffer_size",
			Message: fmt.Sprintf("buffer_size must be positive, got %d", c.Observation.BufferSize),
		})
	}
	if c.Observation.WarmRestartLimit < 0 {
		errs = append(errs, &ValidationError{
			Field:   "observation.warm_restart_limit",
			Message: "warm_restart_limit cannot be negative",
		})
	}
	if c.Observation.WarmRestartLimit > c.Observation.BufferSize {
		errs = append(errs, &ValidationError{
			Field:   "observation.warm_restart_limit",
			Message: fmt.Sprintf("warm_restart_limit %d exceeds buffer_size %d",
				c.Observation.WarmRestartLimit, c.Observation.BufferSize),
		})
	}

	// Validate engine configuration
	if c.Engine.CycleIntervalSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "engine.cycle_interval_seconds",
			Message: "cycle_interval_seconds cannot be negative",
		})
	}
	if c.Engine.CycleDeadlineSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "engine.cycle_deadline_seconds",
			Message: "cycle_deadline_seconds cannot be negative",
		})
	}
	if c.Engine.AlertCooldownSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "engine.alert_cooldown_seconds",
			Message: "alert_cooldown_seconds cannot be negative",
		})
	}

	// Validate feature configuration
	if c.Features.Webhook {
		if c.Features.WebhookURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "features.webhook_url",
				Message: "webhook_url is required when webhook is enabled",
			})
		} else if u, err := url.Parse(c.Features.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "features.webhook_url",
				Message: fmt.Sprintf("invalid webhook URL: %s", c.Features.WebhookURL),
			})
		}
	}

	// Validate audit configuration
	if c.Audit.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "audit.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be positive, got %d", c.Audit.MaxSizeMB),
		})
	}

	// Validate logging configuration
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("level must be one of debug/info/warn/error, got %q", c.Logging.Level),
		})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("format must be json or text, got %q", c.Logging.Format),
		})
	}

	return errs
}
