package agents

import (
	"context"
	"testing"
	"time"

	"github.com/opspulse/opspulse-engine/internal/models"
)

func ciEvent(id string, md map[string]interface{}) *models.ObservedEvent {
	ts := time.Now().Add(-5 * time.Minute)
	return &models.ObservedEvent{
		EventID:    id,
		Type:       models.EventConfigChange,
		Actor:      "svc_ci",
		Resource:   "repo_main",
		Timestamp:  ts,
		Metadata:   md,
		ObservedAt: ts,
	}
}

func anomalyTypes(anomalies []models.Anomaly) map[models.AnomalyType]int {
	out := map[models.AnomalyType]int{}
	for _, a := range anomalies {
		out[a.Type]++
	}
	return out
}

func TestCodeRiskAgentRiskyDeployment(t *testing.T) {
	board, cycleID := openBoard(t)
	agent := NewCodeRiskAgent(nil)

	events := []*models.ObservedEvent{
		ciEvent("ev_deploy", map[string]interface{}{
			"source":        "ci",
			"deployment_id": "dep_42",
			"lines_changed": 180.0,
			"test_coverage": 0.55,
			"complexity":    9.5,
			"file":          "internal/auth/session.go",
		}),
	}

	if err := agent.Analyze(context.Background(), Inputs{CycleID: cycleID, Events: events}, board); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	types := anomalyTypes(board.CurrentAnomalies())
	for _, want := range []models.AnomalyType{
		models.AnomalyHighChurnPR,
		models.AnomalyLowTestCoverage,
		models.AnomalyHighComplexityHint,
		models.AnomalyHotspotFileChange,
	} {
		if types[want] != 1 {
			t.Errorf("%s count = %d, want 1", want, types[want])
		}
	}
}

func TestCodeRiskAgentChurnConfidenceScalesWithLines(t *testing.T) {
	board, cycleID := openBoard(t)
	agent := NewCodeRiskAgent(nil)

	events := []*models.ObservedEvent{
		ciEvent("ev_small", map[string]interface{}{"source": "ci", "deployment_id": "dep_a", "lines_changed": 60.0}),
		ciEvent("ev_huge", map[string]interface{}{"source": "ci", "deployment_id": "dep_b", "lines_changed": 500.0}),
	}

	if err := agent.Analyze(context.Background(), Inputs{CycleID: cycleID, Events: events}, board); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var small, huge float64
	for _, a := range board.CurrentAnomalies() {
		if a.Type != models.AnomalyHighChurnPR {
			continue
		}
		switch a.Evidence[0] {
		case "ev_small":
			small = a.Confidence
		case "ev_huge":
			huge = a.Confidence
		}
	}
	if small == 0 || huge == 0 {
		t.Fatal("missing churn anomalies for one of the events")
	}
	if huge <= small {
		t.Errorf("churn confidence did not rise with lines changed: %v vs %v", small, huge)
	}
	if huge > 0.9 {
		t.Errorf("churn confidence %v exceeds cap 0.9", huge)
	}
}

func TestCodeRiskAgentIgnoresNonCodeEvents(t *testing.T) {
	board, cycleID := openBoard(t)
	agent := NewCodeRiskAgent(nil)

	ts := time.Now()
	events := []*models.ObservedEvent{
		{
			EventID:    "ev_login",
			Type:       models.EventLogin,
			Actor:      "user_dev",
			Timestamp:  ts,
			Metadata:   map[string]interface{}{"lines_changed": 9999.0},
			ObservedAt: ts,
		},
	}

	if err := agent.Analyze(context.Background(), Inputs{CycleID: cycleID, Events: events}, board); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if n := len(board.CurrentAnomalies()); n != 0 {
		t.Errorf("non-code event produced %d anomalies", n)
	}
}
