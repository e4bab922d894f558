package mcp

import (
	"context"
	"time"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package mcp is the Master Control Program: the adaptive scheduler that
// drives one bulk-synchronous reasoning cycle at a time.
//
// Per run_cycle invocation:
//
//	PERCEIVE   pulse from the last up-to-5 cycle diagnostics
//	DECIDE     window sizes and worker count from the pulse tables
//	OPEN       start_cycle on the blackboard
//	SNAPSHOT   last-N events and metrics from the observation layer
//	DETECT     detection agents fan out in parallel; failures are swallowed
//	FORECAST   risk-forecast agent, serial
//	REASON     causal agent, serial
//	SCORE      severity engine, serial
//	RECOMMEND  recommendation engine, serial
//	SYNTHESIZE composite severity, dominant agent, escalation, root causes
//	CLOSE      complete_cycle; materialize an insight when non-trivial
//	MIRROR     graph sink + alert gate on detached best-effort workers
//	LEARN      append diagnostics to cycle memory, update streak counters
//
// Cycles are strictly serialized per process: N+1 cannot start until N has
// closed.
type MCP interface {
	// RunCycle executes one full reasoning cycle. An optional deadline on
	// ctx cancels in-flight detection; committed findings survive and the
	// cycle still closes cleanly.
	RunCycle(ctx context.Context) (*models.CycleResult, error)

	// Pulse returns the pulse the next cycle would run under.
	Pulse() models.Pulse

	// Diagnostics returns up to n recent cycle diagnostics, oldest first.
	Diagnostics(n int) []models.CycleDiagnostics

	// LastInsight returns the most recently materialized insight, if any.
	LastInsight() *models.Insight
}

// Option tunes MCP construction.
type Option func(*mcpImpl)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *mcpImpl) { m.now = now }
}

// WithMirrorTimeout bounds the detached mirror workers.
func WithMirrorTimeout(d time.Duration) Option {
	return func(m *mcpImpl) { m.mirrorTimeout = d }
}
