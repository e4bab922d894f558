package db

import (
	"context"
	"time"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package db is the durable persistence layer for the engine. It exists for
// warm restart and out-of-band analytical queries; the in-memory buffers and
// blackboard remain authoritative for the running process, and every write
// from the hot path is best-effort.

// Store is the composed persistence interface.
type Store interface {
	ObservationStore
	CycleStore
	FindingStore
	RiskHistoryStore
	InsightStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ObservationStore persists raw events and metrics.
type ObservationStore interface {
	// AppendEvent stores a single observed event.
	AppendEvent(ctx context.Context, ev *models.ObservedEvent) error

	// AppendMetric stores a single observed metric sample.
	AppendMetric(ctx context.Context, m *models.ObservedMetric) error

	// RecentEvents returns up to limit events in ingest order.
	RecentEvents(ctx context.Context, limit int) ([]*models.ObservedEvent, error)

	// RecentMetrics returns up to limit metrics in ingest order.
	RecentMetrics(ctx context.Context, limit int) ([]*models.ObservedMetric, error)

	// EventsByWorkflow returns events for one workflow, oldest first.
	EventsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ObservedEvent, error)

	// MetricsByResource returns metrics for one resource, oldest first.
	MetricsByResource(ctx context.Context, resourceID, metricName string, limit int) ([]*models.ObservedMetric, error)
}

// CycleStore persists completed reasoning cycles.
type CycleStore interface {
	// SaveCycle stores one completed cycle (summary columns + JSON blob).
	SaveCycle(ctx context.Context, cycle *models.ReasoningCycle) error

	// RecentCycleIDs returns completed cycle ids, newest first.
	RecentCycleIDs(ctx context.Context, limit int) ([]string, error)

	// LoadCycle retrieves a stored cycle by id.
	LoadCycle(ctx context.Context, cycleID string) (*models.ReasoningCycle, error)
}

// FindingStore persists individual findings for analytical queries.
type FindingStore interface {
	AppendAnomaly(ctx context.Context, cycleID string, a *models.Anomaly) error
	AppendPolicyHit(ctx context.Context, cycleID string, h *models.PolicyHit) error
	AppendRecommendation(ctx context.Context, cycleID string, r *models.RecommendationV2) error

	// AnomalySummary returns anomaly counts by type within a window.
	AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error)
}

// RiskHistoryRecord is one entity's persisted risk position.
type RiskHistoryRecord struct {
	Entity         string           `json:"entity"`
	EntityType     string           `json:"entity_type"`
	CurrentState   models.RiskState `json:"current_state"`
	AnomalyCount   int              `json:"anomaly_count"`
	PolicyHitCount int              `json:"policy_hit_count"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RiskHistoryStore persists per-entity risk positions so forecasts survive
// restart.
type RiskHistoryStore interface {
	// SaveRiskState upserts one entity's risk position.
	SaveRiskState(ctx context.Context, rec *RiskHistoryRecord) error

	// LoadRiskStates returns all persisted risk positions.
	LoadRiskStates(ctx context.Context) ([]*RiskHistoryRecord, error)
}

// InsightStore persists materialized insights.
type InsightStore interface {
	// SaveInsight stores one insight.
	SaveInsight(ctx context.Context, ins *models.Insight) error

	// RecentInsights returns up to limit insights, newest first.
	RecentInsights(ctx context.Context, limit int) ([]*models.Insight, error)
}
