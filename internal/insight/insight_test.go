package insight

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/opspulse/opspulse-engine/internal/models"
)

func cycleWith(anoms []models.Anomaly, hits []models.PolicyHit, sigs []models.RiskSignal) *models.ReasoningCycle {
	return &models.ReasoningCycle{
		CycleID:     "cyc_test",
		StartedAt:   time.Now().Add(-time.Minute),
		Anomalies:   anoms,
		PolicyHits:  hits,
		RiskSignals: sigs,
	}
}

func TestMaterializeQuietCycleIsNil(t *testing.T) {
	m := NewMaterializer(nil, nil)

	if got := m.Materialize(nil); got != nil {
		t.Errorf("nil cycle produced %+v", got)
	}
	if got := m.Materialize(cycleWith(nil, nil, nil)); got != nil {
		t.Errorf("empty cycle produced %+v", got)
	}
}

func TestMaterializeCollectsEvidence(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cycle := cycleWith(
		[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalyWorkflowDelay, Confidence: 0.8}},
		[]models.PolicyHit{{HitID: "ph_1", PolicyID: "NO_AFTER_HOURS_WRITE", EventID: "ev_1"}},
		[]models.RiskSignal{{SignalID: "rs_1", Entity: "wf_a", ProjectedState: models.RiskDegraded, Confidence: 0.6}},
	)

	ins := m.Materialize(cycle)
	if ins == nil {
		t.Fatal("insight is nil")
	}
	if ins.CycleID != "cyc_test" || ins.InsightID == "" {
		t.Errorf("identity = (%s, %s)", ins.InsightID, ins.CycleID)
	}
	if len(ins.EvidenceIDs) != 3 {
		t.Errorf("evidence = %v, want an_1, ph_1, rs_1", ins.EvidenceIDs)
	}
	if !strings.Contains(ins.Summary, "1 anomalies") || !strings.Contains(ins.Summary, "1 policy violations") {
		t.Errorf("summary = %q", ins.Summary)
	}
}

func TestSeverityPriorityLadder(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cases := []struct {
		name  string
		cycle *models.ReasoningCycle
		want  string
	}{
		{
			"critical policy dominates",
			cycleWith(
				[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalySustainedResourceCritical, Confidence: 0.9}},
				[]models.PolicyHit{{HitID: "ph_1", PolicyID: "NO_SKIP_APPROVAL", EventID: "ev_1"}},
				nil),
			"CRITICAL",
		},
		{
			"incident projection is critical",
			cycleWith(nil, nil,
				[]models.RiskSignal{{SignalID: "rs_1", Entity: "wf_a", ProjectedState: models.RiskIncident, Confidence: 0.9}}),
			"CRITICAL",
		},
		{
			"sustained critical is high",
			cycleWith(
				[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalySustainedResourceCritical, Confidence: 0.9}},
				nil, nil),
			"HIGH",
		},
		{
			"missing step is high",
			cycleWith(
				[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalyMissingStep, Confidence: 0.95}},
				nil, nil),
			"HIGH",
		},
		{
			"at-risk projection is medium",
			cycleWith(nil, nil,
				[]models.RiskSignal{{SignalID: "rs_1", Entity: "wf_a", ProjectedState: models.RiskAtRisk, Confidence: 0.7}}),
			"MEDIUM",
		},
		{
			"plain policy hit is medium",
			cycleWith(nil,
				[]models.PolicyHit{{HitID: "ph_1", PolicyID: "NO_AFTER_HOURS_WRITE", EventID: "ev_1"}},
				nil),
			"MEDIUM",
		},
		{
			"lone low-grade anomaly is low",
			cycleWith(
				[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalyResourceDrift, Confidence: 0.6}},
				nil, nil),
			"LOW",
		},
	}
	for _, tc := range cases {
		ins := m.Materialize(tc.cycle)
		if ins == nil {
			t.Fatalf("%s: insight is nil", tc.name)
		}
		if ins.Severity != tc.want {
			t.Errorf("%s: severity = %s, want %s", tc.name, ins.Severity, tc.want)
		}
	}
}

func TestConfidenceBlendsAverageAndMax(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cycle := cycleWith(
		[]models.Anomaly{
			{AnomalyID: "an_1", Type: models.AnomalyWorkflowDelay, Confidence: 0.6},
			{AnomalyID: "an_2", Type: models.AnomalyResourceDrift, Confidence: 0.8},
		},
		nil, nil)

	ins := m.Materialize(cycle)
	// 0.7*avg(0.6, 0.8) + 0.3*0.8 = 0.49 + 0.24.
	if math.Abs(ins.Confidence-0.73) > 1e-9 {
		t.Errorf("confidence = %v, want 0.73", ins.Confidence)
	}
}

func TestPolicyHitsCountAsFullConfidence(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cycle := cycleWith(nil,
		[]models.PolicyHit{{HitID: "ph_1", PolicyID: "NO_AFTER_HOURS_WRITE", EventID: "ev_1"}},
		nil)

	ins := m.Materialize(cycle)
	if math.Abs(ins.Confidence-1.0) > 1e-9 {
		t.Errorf("confidence = %v, want 1.0", ins.Confidence)
	}
}

func TestCausalChainDrivesNarrative(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cycle := cycleWith(
		[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalyWorkflowDelay, Confidence: 0.8}},
		nil, nil)
	cycle.CausalLinks = []models.CausalLink{{
		LinkID:     "cl_1",
		Cause:      "SUSTAINED_RESOURCE_CRITICAL",
		Effect:     "WORKFLOW_DELAY",
		Reasoning:  "saturation on vm_a preceded the stall on wf_a",
		Confidence: 0.85,
	}}

	ins := m.Materialize(cycle)
	if !strings.Contains(ins.WhyItMatters, "SUSTAINED_RESOURCE_CRITICAL") {
		t.Errorf("why = %q does not reference the chain", ins.WhyItMatters)
	}
}

func TestIfIgnoredNamesWorstProjection(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cycle := cycleWith(nil, nil, []models.RiskSignal{
		{SignalID: "rs_1", Entity: "wf_a", ProjectedState: models.RiskDegraded, Confidence: 0.6},
		{SignalID: "rs_2", Entity: "wf_b", ProjectedState: models.RiskViolation, Confidence: 0.8},
	})

	ins := m.Materialize(cycle)
	if !strings.Contains(ins.WhatWillHappenIfIgnored, "wf_b") ||
		!strings.Contains(ins.WhatWillHappenIfIgnored, "VIOLATION") {
		t.Errorf("if-ignored = %q", ins.WhatWillHappenIfIgnored)
	}
}

func TestRecommendedActionsKeepSummariesOnly(t *testing.T) {
	m := NewMaterializer(nil, nil)
	cycle := cycleWith(
		[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalyMissingStep, Confidence: 0.95}},
		nil, nil)
	cycle.RecommendationsV2 = []models.RecommendationV2{
		{RecID: "rec_0", Step: 0, ActionCode: "BLOCK_AND_REVIEW"},
		{RecID: "rec_1", Step: 1, ActionCode: "FREEZE_WORKFLOW"},
		{RecID: "rec_2", Step: 2, ActionCode: "NOTIFY_OWNERS"},
	}

	ins := m.Materialize(cycle)
	if len(ins.RecommendedActions) != 1 || ins.RecommendedActions[0].RecID != "rec_0" {
		t.Errorf("recommended actions = %+v", ins.RecommendedActions)
	}
}

// upcasePolisher rewrites prose without touching findings.
type upcasePolisher struct{}

func (upcasePolisher) Polish(summary, why, ignored string) (string, string, string) {
	return strings.ToUpper(summary), why, ignored
}

func TestPolisherOnlyTouchesProse(t *testing.T) {
	m := NewMaterializer(upcasePolisher{}, nil)
	cycle := cycleWith(
		[]models.Anomaly{{AnomalyID: "an_1", Type: models.AnomalyWorkflowDelay, Confidence: 0.8}},
		nil, nil)

	ins := m.Materialize(cycle)
	if ins.Summary != strings.ToUpper(ins.Summary) {
		t.Errorf("polisher did not run: %q", ins.Summary)
	}
	if len(ins.EvidenceIDs) != 1 || ins.EvidenceIDs[0] != "an_1" {
		t.Errorf("polisher changed evidence: %v", ins.EvidenceIDs)
	}
}
