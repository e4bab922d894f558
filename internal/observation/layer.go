package observation

import (
	"context"
	"time"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package observation is the append-only fact ingestion layer.
//
// Responsibilities:
//   - Accept raw events and metrics from producers (O(1) ingest)
//   - Keep a bounded in-memory ring buffer per record kind (the hot path)
//   - Mirror every record to the durable store, best-effort
//   - Reject any observation carrying interpretation fields (the purity guard)
//   - Serve bounded "last-N" and time-window reads to the reasoning loop
//
// The in-memory buffer and the durable store are independent: a store
// failure never drops the in-memory insert and never fails the call.
// Records retain ingest order; overflow trims from the head.

// EventFilter narrows time-window event reads. Zero values match everything.
type EventFilter struct {
	Type       models.EventType
	WorkflowID string
	Actor      string
	Resource   string
}

// MetricFilter narrows time-window metric reads.
type MetricFilter struct {
	ResourceID string
	MetricName string
}

// Layer is the observation layer contract.
type Layer interface {
	// ObserveEvent ingests a raw event. Fails with ErrIngestRejected when the
	// event violates the purity guard or has an unknown type.
	ObserveEvent(ctx context.Context, ev *models.ObservedEvent) error

	// ObserveMetric ingests a raw metric sample.
	ObserveMetric(ctx context.Context, m *models.ObservedMetric) error

	// RecentEvents returns up to n most recent events in ingest order.
	RecentEvents(n int) []*models.ObservedEvent

	// RecentMetrics returns up to n most recent metrics in ingest order.
	RecentMetrics(n int) []*models.ObservedMetric

	// EventsInWindow returns events with timestamp in [start, end] matching
	// the filter, in ingest order.
	EventsInWindow(start, end time.Time, f EventFilter) []*models.ObservedEvent

	// MetricsInWindow returns metrics with timestamp in [start, end] matching
	// the filter, in ingest order.
	MetricsInWindow(start, end time.Time, f MetricFilter) []*models.ObservedMetric

	// Counts returns the current buffered event and metric counts.
	Counts() (events, metrics int)
}

// Sink receives durable copies of every accepted observation. Writes are
// best-effort; the layer logs and ignores sink errors.
type Sink interface {
	AppendEvent(ctx context.Context, ev *models.ObservedEvent) error
	AppendMetric(ctx context.Context, m *models.ObservedMetric) error
}
