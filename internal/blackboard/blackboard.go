package blackboard

import (
	"context"
	"errors"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package blackboard is the shared reasoning state: a per-cycle, append-only
// record that is the only communication channel between agents.
//
// Lifecycle:
//   StartCycle → agents Add* concurrently under one internal mutex →
//   CompleteCycle freezes the record, appends it to the cycle log, and
//   returns it.
//
// Failure semantics:
//   - Add* with no open cycle fails with ErrNoActiveCycle.
//   - Add* addressed at a closed cycle fails with ErrCycleImmutable.
//   - StartCycle while a cycle is open fails with ErrCycleActive.
//   - Findings without evidence fail with ErrMissingEvidence.
//
// Persistence is best-effort (JSONL append + durable store); the in-memory
// record is authoritative for the running process.

var (
	// ErrNoActiveCycle is returned when a write arrives with no open cycle.
	ErrNoActiveCycle = errors.New("blackboard: no active cycle")

	// ErrCycleImmutable is returned when a write addresses a closed cycle.
	ErrCycleImmutable = errors.New("blackboard: cycle is immutable")

	// ErrCycleActive is returned when StartCycle is called while a cycle is open.
	ErrCycleActive = errors.New("blackboard: a cycle is already active")

	// ErrMissingEvidence is returned for findings with an empty evidence list.
	ErrMissingEvidence = errors.New("blackboard: finding has no evidence")
)

// Blackboard is the shared-state contract.
type Blackboard interface {
	// StartCycle opens a new reasoning cycle and returns its id.
	StartCycle(ctx context.Context) (string, error)

	// CompleteCycle closes the open cycle, freezes it, persists it
	// best-effort, and returns the completed record.
	CompleteCycle(ctx context.Context) (*models.ReasoningCycle, error)

	// CurrentCycleID returns the open cycle id, if any.
	CurrentCycleID() (string, bool)

	AddFact(cycleID string, f models.Fact) error
	AddAnomaly(cycleID string, a models.Anomaly) error
	AddPolicyHit(cycleID string, h models.PolicyHit) error
	AddRiskSignal(cycleID string, s models.RiskSignal) error
	AddHypothesis(cycleID string, h models.Hypothesis) error
	AddCausalLink(cycleID string, l models.CausalLink) error
	AddRecommendation(cycleID string, r models.Recommendation) error
	AddSeverityScore(cycleID string, s models.SeverityScore) error
	AddRecommendationV2(cycleID string, r models.RecommendationV2) error
	AddScenarioRun(cycleID string, r models.ScenarioRun) error

	// Snapshot reads of the open cycle. Safe during concurrent writes;
	// returned slices are copies.
	CurrentAnomalies() []models.Anomaly
	CurrentPolicyHits() []models.PolicyHit
	CurrentRiskSignals() []models.RiskSignal
	CurrentCausalLinks() []models.CausalLink
	CurrentSeverityScores() []models.SeverityScore
	CurrentRecommendationsV2() []models.RecommendationV2
	CurrentHypotheses() []models.Hypothesis

	// RecentCycles returns up to n closed cycles, newest first.
	RecentCycles(n int) []*models.ReasoningCycle
}

// CyclePersister receives completed cycles for durable storage. Failures are
// logged and ignored; the blackboard never blocks on persistence.
type CyclePersister interface {
	SaveCycle(ctx context.Context, cycle *models.ReasoningCycle) error
}
