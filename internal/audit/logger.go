package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Cycle lifecycle events
	LogCycleStarted(ctx context.Context, cycleID string) error
	LogCycleCompleted(ctx context.Context, cycleID string, duration time.Duration, severity float64) error
	LogCycleFailed(ctx context.Context, cycleID string, err error) error
	LogPulseChanged(ctx context.Context, from, to string) error

	// Ingest and agent events
	LogIngestRejected(ctx context.Context, reason string) error
	LogAgentFailed(ctx context.Context, agent, cycleID string, err error) error

	// Alert and scenario events
	LogAlertDispatched(ctx context.Context, alertID, severity string) error
	LogScenarioInjected(ctx context.Context, scenario string, events, metrics int) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	sink        *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	// Audit logs are append-only JSON with rotation, always INFO level.
	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		sink:        zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}
		l.sink.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogCycleStarted logs when a reasoning cycle opens
func (l *auditLogger) LogCycleStarted(ctx context.Context, cycleID string) error {
	event := NewEvent(EventCycleStarted).
		WithCorrelationID(cycleID).
		WithDescription(fmt.Sprintf("Cycle %s started", cycleID))
	return l.Log(ctx, event)
}

// LogCycleCompleted logs when a reasoning cycle closes
func (l *auditLogger) LogCycleCompleted(ctx context.Context, cycleID string, duration time.Duration, severity float64) error {
	event := NewEvent(EventCycleCompleted).
		WithCorrelationID(cycleID).
		WithDuration(duration).
		WithMetadata("composite_severity", severity).
		WithDescription(fmt.Sprintf("Cycle %s completed", cycleID))
	return l.Log(ctx, event)
}

// LogCycleFailed logs when a reasoning cycle aborts
func (l *auditLogger) LogCycleFailed(ctx context.Context, cycleID string, err error) error {
	event := NewEvent(EventCycleFailed).
		WithCorrelationID(cycleID).
		WithError(err).
		WithDescription(fmt.Sprintf("Cycle %s failed", cycleID))
	return l.Log(ctx, event)
}

// LogPulseChanged logs a pulse transition
func (l *auditLogger) LogPulseChanged(ctx context.Context, from, to string) error {
	event := NewEvent(EventPulseChanged).
		WithMetadata("from", from).
		WithMetadata("to", to).
		WithDescription(fmt.Sprintf("Pulse changed %s -> %s", from, to))
	return l.Log(ctx, event)
}

// LogIngestRejected logs a purity-guard rejection
func (l *auditLogger) LogIngestRejected(ctx context.Context, reason string) error {
	event := NewEvent(EventIngestRejected).
		WithResult(ResultDenied).
		WithDescription(reason)
	return l.Log(ctx, event)
}

// LogAgentFailed logs a swallowed detection-agent failure
func (l *auditLogger) LogAgentFailed(ctx context.Context, agent, cycleID string, err error) error {
	event := NewEvent(EventAgentFailed).
		WithCorrelationID(cycleID).
		WithActor(agent).
		WithError(err).
		WithDescription(fmt.Sprintf("Agent %s failed in cycle %s", agent, cycleID))
	return l.Log(ctx, event)
}

// LogAlertDispatched logs an alert passing the gate
func (l *auditLogger) LogAlertDispatched(ctx context.Context, alertID, severity string) error {
	event := NewEvent(EventAlertDispatched).
		WithCorrelationID(alertID).
		WithMetadata("severity", severity).
		WithDescription(fmt.Sprintf("Alert %s dispatched at severity %s", alertID, severity))
	return l.Log(ctx, event)
}

// LogScenarioInjected logs a synthetic scenario injection
func (l *auditLogger) LogScenarioInjected(ctx context.Context, scenario string, events, metrics int) error {
	event := NewEvent(EventScenarioInjected).
		WithMetadata("events", events).
		WithMetadata("metrics", metrics).
		WithDescription(fmt.Sprintf("Scenario %s injected", scenario))
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.sink.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

// NopLogger discards every event. Used in tests and when auditing is off.
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) LogCycleStarted(context.Context, string) error { return nil }
func (NopLogger) LogCycleCompleted(context.Context, string, time.Duration, float64) error {
	return nil
}
func (NopLogger) LogCycleFailed(context.Context, string, error) error { return nil }
func (NopLogger) LogPulseChanged(context.Context, string, string) error { return nil }
func (NopLogger) LogIngestRejected(context.Context, string) error { return nil }
func (NopLogger) LogAgentFailed(context.Context, string, string, error) error { return nil }
func (NopLogger) LogAlertDispatched(context.Context, string, string) error { return nil }
func (NopLogger) LogScenarioInjected(context.Context, string, int, int) error { return nil }
func (NopLogger) Sync() error { return nil }
func (NopLogger) Close() error { return nil }
