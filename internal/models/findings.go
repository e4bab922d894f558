package models

import "time"

// AnomalyType enumerates every anomaly kind the detection agents emit.
type AnomalyType string

const (
	AnomalyWorkflowDelay             AnomalyType = "WORKFLOW_DELAY"
	AnomalyMissingStep               AnomalyType = "MISSING_STEP"
	AnomalySequenceViolation         AnomalyType = "SEQUENCE_VIOLATION"
	AnomalySustainedResourceWarning  AnomalyType = "SUSTAINED_RESOURCE_WARNING"
	AnomalySustainedResourceCritical AnomalyType = "SUSTAINED_RESOURCE_CRITICAL"
	AnomalyResourceDrift             AnomalyType = "RESOURCE_DRIFT"
	AnomalyBaselineDeviation         AnomalyType = "BASELINE_DEVIATION"
	AnomalyHighChurnPR               AnomalyType = "HIGH_CHURN_PR"
	AnomalyLowTestCoverage           AnomalyType = "LOW_TEST_COVERAGE"
	AnomalyHighComplexityHint        AnomalyType = "HIGH_COMPLEXITY_HINT"
	AnomalyHotspotFileChange         AnomalyType = "HOTSPOT_FILE_CHANGE"
)

// Anomaly is a detection-agent finding. Evidence must be non-empty.
type Anomaly struct {
	AnomalyID   string      `json:"anomaly_id"`
	Type        AnomalyType `json:"type"`
	Agent       string      `json:"agent"`
	Evidence    []string    `json:"evidence"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	Timestamp   time.Time   `json:"timestamp"`
}

// ViolationType classifies policy hits.
type ViolationType string

// ViolationSilent marks a violation nobody raised through normal channels.
const ViolationSilent ViolationType = "SILENT"

// PolicyHit records a single policy violated by a single event.
type PolicyHit struct {
	HitID         string        `json:"hit_id"`
	PolicyID      string        `json:"policy_id"`
	EventID       string        `json:"event_id"`
	ViolationType ViolationType `json:"violation_type"`
	Agent         string        `json:"agent"`
	Description   string        `json:"description"`
	Timestamp     time.Time     `json:"timestamp"`
}

// RiskState is the totally ordered risk ladder.
type RiskState string

const (
	RiskNormal    RiskState = "NORMAL"
	RiskDegraded  RiskState = "DEGRADED"
	RiskAtRisk    RiskState = "AT_RISK"
	RiskViolation RiskState = "VIOLATION"
	RiskIncident  RiskState = "INCIDENT"
)

var riskRanks = map[RiskState]int{
	RiskNormal:    0,
	RiskDegraded:  1,
	RiskAtRisk:    2,
	RiskViolation: 3,
	RiskIncident:  4,
}

// Rank returns the position of a state on the risk ladder (NORMAL=0).
func (s RiskState) Rank() int { return riskRanks[s] }

// EntityType classifies the subject of a risk signal.
type EntityType string

const (
	EntityWorkflow EntityType = "workflow"
	EntityResource EntityType = "resource"
	EntityPolicy   EntityType = "policy"
	EntityUnknown  EntityType = "unknown"
)

// RiskSignal is emitted only when the projected state strictly exceeds the
// entity's last-known current state.
type RiskSignal struct {
	SignalID       string     `json:"signal_id"`
	Entity         string     `json:"entity"`
	EntityType     EntityType `json:"entity_type"`
	CurrentState   RiskState  `json:"current_state"`
	ProjectedState RiskState  `json:"projected_state"`
	Confidence     float64    `json:"confidence"`
	TimeHorizon    string     `json:"time_horizon"`
	Reasoning      string     `json:"reasoning"`
	EvidenceIDs    []string   `json:"evidence_ids"`
	Timestamp      time.Time  `json:"timestamp"`
}

// CausalLink connects two temporally proximate findings through a known
// cause/effect pattern. Cause timestamp never exceeds effect timestamp.
type CausalLink struct {
	LinkID       string    `json:"link_id"`
	Cause        string    `json:"cause"`
	Effect       string    `json:"effect"`
	CauseEntity  string    `json:"cause_entity"`
	EffectEntity string    `json:"effect_entity"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
	EvidenceIDs  []string  `json:"evidence_ids"`
	Timestamp    time.Time `json:"timestamp"`
}

// SeverityLabel is the banded label for a final severity score.
type SeverityLabel string

const (
	SeverityNone     SeverityLabel = "None"
	SeverityLow      SeverityLabel = "Low"
	SeverityMedium   SeverityLabel = "Medium"
	SeverityHigh     SeverityLabel = "High"
	SeverityCritical SeverityLabel = "Critical"
)

// EscalationState extends the risk ladder with an INFO floor for scoring.
type EscalationState string

const (
	EscalationInfo      EscalationState = "INFO"
	EscalationNormal    EscalationState = "NORMAL"
	EscalationDegraded  EscalationState = "DEGRADED"
	EscalationAtRisk    EscalationState = "AT_RISK"
	EscalationViolation EscalationState = "VIOLATION"
	EscalationIncident  EscalationState = "INCIDENT"
)

// SeverityScore is the context-weighted 0-10 score for one finding.
type SeverityScore struct {
	ScoreID         string             `json:"score_id"`
	SourceType      string             `json:"source_type"` // anomaly | policy_hit
	SourceID        string             `json:"source_id"`
	IssueType       string             `json:"issue_type"`
	BaseScore       float64            `json:"base_score"`
	FinalScore      float64            `json:"final_score"`
	Label           SeverityLabel      `json:"label"`
	Vector          string             `json:"vector"`
	EscalationState EscalationState    `json:"escalation_state"`
	ContextFactors  map[string]float64 `json:"context_factors,omitempty"`
	EvidenceIDs     []string           `json:"evidence_ids"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Urgency buckets a recommendation by how soon it should be acted on.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// RecommendationV2 is the canonical recommendation record. Step 0 is the
// summary; steps 1..N are the ordered sub-actions from the rule's templates.
type RecommendationV2 struct {
	RecID             string    `json:"rec_id"`
	RuleID            string    `json:"rule_id"`
	IssueType         string    `json:"issue_type"`
	Entity            string    `json:"entity"`
	SeverityScore     float64   `json:"severity_score"`
	ActionCode        string    `json:"action_code"`
	ActionDescription string    `json:"action_description"`
	Confidence        float64   `json:"confidence"`
	Preconditions     []string  `json:"preconditions,omitempty"`
	EvidenceIDs       []string  `json:"evidence_ids"`
	ExpectedEffect    string    `json:"expected_effect"`
	Rationale         string    `json:"rationale"`
	Urgency           Urgency   `json:"urgency"`
	Step              int       `json:"step"`
	Timestamp         time.Time `json:"timestamp"`
}

// Recommendation is the legacy flat record, kept as a projection of the V2
// summary entries for older consumers.
type Recommendation struct {
	RecID             string    `json:"rec_id"`
	IssueType         string    `json:"issue_type"`
	Entity            string    `json:"entity"`
	SeverityScore     float64   `json:"severity_score"`
	ActionCode        string    `json:"action_code"`
	ActionDescription string    `json:"action_description"`
	Confidence        float64   `json:"confidence"`
	EvidenceIDs       []string  `json:"evidence_ids"`
	Timestamp         time.Time `json:"timestamp"`
}

// Projection converts a V2 summary entry into the legacy shape.
func (r RecommendationV2) Projection() Recommendation {
	return Recommendation{
		RecID:             r.RecID,
		IssueType:         r.IssueType,
		Entity:            r.Entity,
		SeverityScore:     r.SeverityScore,
		ActionCode:        r.ActionCode,
		ActionDescription: r.ActionDescription,
		Confidence:        r.Confidence,
		EvidenceIDs:       r.EvidenceIDs,
		Timestamp:         r.Timestamp,
	}
}

// SimulationState is the counterfactual simulator's compact system state.
type SimulationState struct {
	SLAViolations int     `json:"sla_violations"`
	PolicyHits    int     `json:"policy_hits"`
	RiskIndex     float64 `json:"risk_index"` // 0-100
}

// ScenarioRun records one what-if evaluation. Persisting it to the
// blackboard is optional and only happens while a cycle is open.
type ScenarioRun struct {
	RunID       string             `json:"run_id"`
	Kind        string             `json:"kind"`
	Parameters  map[string]float64 `json:"parameters"`
	Baseline    SimulationState    `json:"baseline"`
	Simulated   SimulationState    `json:"simulated"`
	ImpactScore float64            `json:"impact_score"` // 0-100
	Assumptions []string           `json:"assumptions"`
	Confidence  float64            `json:"confidence"`
	Reason      string             `json:"reason"`
	Timestamp   time.Time          `json:"timestamp"`
}
