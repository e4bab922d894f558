package models

// Package models defines the core data types shared across the opspulse
// engine: raw observations, the per-cycle reasoning record, findings,
// severity scores, recommendations, and insights.
//
// Observations are pure facts and must never carry interpretation fields
// (severity, risk, anomaly, alert, priority); the observation layer enforces
// that with a validator before insertion. Everything cycle-bound is
// append-only while the cycle is open and immutable once it closes.

import "time"

// EventType is the fixed vocabulary of raw event kinds.
type EventType string

const (
	EventWorkflowStart        EventType = "WORKFLOW_START"
	EventWorkflowStepStart    EventType = "WORKFLOW_STEP_START"
	EventWorkflowStepComplete EventType = "WORKFLOW_STEP_COMPLETE"
	EventWorkflowStepSkip     EventType = "WORKFLOW_STEP_SKIP"
	EventWorkflowComplete     EventType = "WORKFLOW_COMPLETE"
	EventAccessRead           EventType = "ACCESS_READ"
	EventAccessWrite          EventType = "ACCESS_WRITE"
	EventAccessDelete         EventType = "ACCESS_DELETE"
	EventResourceAllocate     EventType = "RESOURCE_ALLOCATE"
	EventResourceRelease      EventType = "RESOURCE_RELEASE"
	EventConfigChange         EventType = "CONFIG_CHANGE"
	EventCredentialAccess     EventType = "CREDENTIAL_ACCESS"
	EventLogin                EventType = "LOGIN"
	EventLogout               EventType = "LOGOUT"
)

// ValidEventTypes lists every accepted event type.
var ValidEventTypes = map[EventType]bool{
	EventWorkflowStart: true, EventWorkflowStepStart: true,
	EventWorkflowStepComplete: true, EventWorkflowStepSkip: true,
	EventWorkflowComplete: true, EventAccessRead: true,
	EventAccessWrite: true, EventAccessDelete: true,
	EventResourceAllocate: true, EventResourceRelease: true,
	EventConfigChange: true, EventCredentialAccess: true,
	EventLogin: true, EventLogout: true,
}

// ObservedEvent is a raw ingested event. Pure fact: no interpretation fields.
type ObservedEvent struct {
	EventID    string                 `json:"event_id"`
	Type       EventType              `json:"type"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Actor      string                 `json:"actor"`
	Resource   string                 `json:"resource,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ObservedAt time.Time              `json:"observed_at"`
}

// ObservedMetric is a raw ingested metric sample.
type ObservedMetric struct {
	MetricID   string    `json:"metric_id"`
	ResourceID string    `json:"resource_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	ObservedAt time.Time `json:"observed_at"`
}

// ReasoningCycle is the per-cycle blackboard record. All lists are ordered,
// append-only while the cycle is open, and frozen once CompletedAt is set.
type ReasoningCycle struct {
	CycleID     string     `json:"cycle_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Facts             []Fact             `json:"facts"`
	Anomalies         []Anomaly          `json:"anomalies"`
	PolicyHits        []PolicyHit        `json:"policy_hits"`
	RiskSignals       []RiskSignal       `json:"risk_signals"`
	Hypotheses        []Hypothesis       `json:"hypotheses"`
	CausalLinks       []CausalLink       `json:"causal_links"`
	Recommendations   []Recommendation   `json:"recommendations"`
	SeverityScores    []SeverityScore    `json:"severity_scores,omitempty"`
	RecommendationsV2 []RecommendationV2 `json:"recommendations_v2,omitempty"`
	ScenarioRuns      []ScenarioRun      `json:"scenario_runs,omitempty"`
}

// Completed reports whether the cycle has been closed.
func (c *ReasoningCycle) Completed() bool { return c.CompletedAt != nil }

// Fact is a normalized observation reference recorded on the blackboard.
type Fact struct {
	FactID      string    `json:"fact_id"`
	Statement   string    `json:"statement"`
	Source      string    `json:"source"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Hypothesis is a tentative, not-yet-confirmed interpretation.
type Hypothesis struct {
	HypothesisID string    `json:"hypothesis_id"`
	Agent        string    `json:"agent"`
	Statement    string    `json:"statement"`
	Confidence   float64   `json:"confidence"`
	EvidenceIDs  []string  `json:"evidence_ids,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CycleDiagnostics is the MCP's per-cycle memory entry. It lives outside the
// blackboard and feeds pulse perception for subsequent cycles.
type CycleDiagnostics struct {
	CycleID             string        `json:"cycle_id"`
	Pulse               Pulse         `json:"pulse"`
	SeverityScore       float64       `json:"severity_score"` // composite, 0-100
	AnomalyCount        int           `json:"anomaly_count"`
	PolicyHitCount      int           `json:"policy_hit_count"`
	RiskSignalCount     int           `json:"risk_signal_count"`
	CausalLinkCount     int           `json:"causal_link_count"`
	RecommendationCount int           `json:"recommendation_count"`
	Duration            time.Duration `json:"duration"`
	DominantAgent       string        `json:"dominant_agent"`
	EscalationDetected  bool          `json:"escalation_detected"`
	NewRootCauses       []string      `json:"new_root_causes,omitempty"`
	CompletedAt         time.Time     `json:"completed_at"`
}

// CycleResult is the summary returned to the caller of a single MCP cycle.
type CycleResult struct {
	CycleID             string  `json:"cycle_id"`
	Pulse               Pulse   `json:"pulse"`
	EventWindow         int     `json:"event_window"`
	MetricWindow        int     `json:"metric_window"`
	Workers             int     `json:"workers"`
	AnomalyCount        int     `json:"anomaly_count"`
	PolicyHitCount      int     `json:"policy_hit_count"`
	RiskSignalCount     int     `json:"risk_signal_count"`
	CausalLinkCount     int     `json:"causal_link_count"`
	RecommendationCount int     `json:"recommendation_count"`
	CompositeSeverity   float64 `json:"composite_severity"`
	DurationMillis      int64   `json:"duration_ms"`
	InsightID           string  `json:"insight_id,omitempty"`
}

// Pulse is the MCP's operational mode derived from recent diagnostics.
type Pulse string

const (
	PulseCalm     Pulse = "CALM"
	PulseElevated Pulse = "ELEVATED"
	PulseStressed Pulse = "STRESSED"
	PulseCritical Pulse = "CRITICAL"
)

// Insight is the human-facing materialization of one closed cycle.
type Insight struct {
	InsightID               string             `json:"insight_id"`
	CycleID                 string             `json:"cycle_id"`
	Severity                string             `json:"severity"` // CRITICAL | HIGH | MEDIUM | LOW
	Confidence              float64            `json:"confidence"`
	Summary                 string             `json:"summary"`
	WhyItMatters            string             `json:"why_it_matters"`
	WhatWillHappenIfIgnored string             `json:"what_will_happen_if_ignored"`
	RecommendedActions      []RecommendationV2 `json:"recommended_actions,omitempty"`
	EvidenceIDs             []string           `json:"evidence_ids"`
	CreatedAt               time.Time          `json:"created_at"`
}
