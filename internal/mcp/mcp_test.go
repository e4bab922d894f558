package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opspulse/opspulse-engine/internal/agents"
	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/insight"
	"github.com/opspulse/opspulse-engine/internal/mirror"
	"github.com/opspulse/opspulse-engine/internal/models"
	"github.com/opspulse/opspulse-engine/internal/observation"
	"github.com/opspulse/opspulse-engine/internal/recommend"
	"github.com/opspulse/opspulse-engine/internal/severity"
)

func TestPerceivePulseTables(t *testing.T) {
	mk := func(scores ...float64) []models.CycleDiagnostics {
		out := make([]models.CycleDiagnostics, len(scores))
		for i, s := range scores {
			out[i].SeverityScore = s
		}
		return out
	}
	cases := []struct {
		name   string
		recent []models.CycleDiagnostics
		streak int
		want   models.Pulse
	}{
		{"no history", nil, 0, models.PulseCalm},
		{"quiet cycles", mk(5, 10, 8), 0, models.PulseCalm},
		{"average over twenty", mk(25, 30, 20), 0, models.PulseElevated},
		{"single spike over thirty-five", mk(5, 40, 5), 0, models.PulseElevated},
		{"average over forty-five", mk(50, 55, 48), 0, models.PulseStressed},
		{"spike over sixty", mk(10, 65, 10), 0, models.PulseStressed},
		{"spike over eighty-five", mk(10, 90, 10), 0, models.PulseCritical},
		{"average over seventy", mk(75, 72, 80), 0, models.PulseCritical},
		{"critical streak forces critical", mk(5, 5, 5), 3, models.PulseCritical},
	}
	for _, tc := range cases {
		if got := perceivePulse(tc.recent, tc.streak); got != tc.want {
			t.Errorf("%s: pulse = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestPulseProfiles(t *testing.T) {
	cases := []struct {
		pulse   models.Pulse
		window  int
		workers int
	}{
		{models.PulseCalm, 50, 2},
		{models.PulseElevated, 100, 4},
		{models.PulseStressed, 200, 6},
		{models.PulseCritical, 500, 8},
		{"BOGUS", 50, 2},
	}
	for _, tc := range cases {
		p := profileFor(tc.pulse)
		if p.eventWindow != tc.window || p.metricWindow != tc.window || p.workers != tc.workers {
			t.Errorf("profileFor(%s) = %+v", tc.pulse, p)
		}
	}
}

func TestCycleMemoryStreaks(t *testing.T) {
	mem := newCycleMemory()

	for i := 0; i < 3; i++ {
		mem.record(models.CycleDiagnostics{SeverityScore: 90}, nil)
	}
	if got := mem.criticalStreak(); got != 3 {
		t.Errorf("critical streak = %d, want 3", got)
	}

	// A calm cycle resets the critical run.
	mem.record(models.CycleDiagnostics{SeverityScore: 5}, nil)
	if got := mem.criticalStreak(); got != 0 {
		t.Errorf("streak after calm cycle = %d, want 0", got)
	}

	mem.record(models.CycleDiagnostics{SeverityScore: 50}, []string{"SUSTAINED_RESOURCE_CRITICAL"})
	if !mem.isKnownRootCause("SUSTAINED_RESOURCE_CRITICAL") {
		t.Error("root cause not remembered")
	}
	if mem.isKnownRootCause("NEVER_SEEN") {
		t.Error("unknown root cause reported as known")
	}
}

func TestCycleMemoryBounded(t *testing.T) {
	mem := newCycleMemory()
	for i := 0; i < diagnosticsCapacity+20; i++ {
		mem.record(models.CycleDiagnostics{SeverityScore: 30}, nil)
	}
	if got := len(mem.recent(diagnosticsCapacity + 20)); got != diagnosticsCapacity {
		t.Errorf("memory holds %d entries, want %d", got, diagnosticsCapacity)
	}
}

func TestCompositeSeverityCaps(t *testing.T) {
	ctx := context.Background()
	board := blackboard.New(nil, nil, nil)
	cycleID, err := board.StartCycle(ctx)
	if err != nil {
		t.Fatalf("StartCycle: %v", err)
	}

	// 10 full-confidence MISSING_STEP anomalies would contribute 80
	// uncapped; the anomaly term stops at 40.
	for i := 0; i < 10; i++ {
		err := board.AddAnomaly(cycleID, models.Anomaly{
			Type:        models.AnomalyMissingStep,
			Agent:       "workflow",
			Evidence:    []string{"ev_1"},
			Description: "seed",
			Confidence:  1.0,
			Timestamp:   time.Now(),
		})
		if err != nil {
			t.Fatalf("AddAnomaly: %v", err)
		}
	}
	if got := compositeSeverity(board); got != 40 {
		t.Errorf("anomaly-only composite = %v, want capped 40", got)
	}

	// 10 policy hits cap at 30; the pair lands at 70.
	for i := 0; i < 10; i++ {
		err := board.AddPolicyHit(cycleID, models.PolicyHit{
			PolicyID:      "NO_AFTER_HOURS_WRITE",
			EventID:       "ev_" + string(rune('a'+i)),
			ViolationType: models.ViolationSilent,
			Agent:         "compliance",
			Timestamp:     time.Now(),
		})
		if err != nil {
			t.Fatalf("AddPolicyHit: %v", err)
		}
	}
	if got := compositeSeverity(board); got != 70 {
		t.Errorf("composite = %v, want 70", got)
	}
}

func TestDominantAgentDeterministicTieBreak(t *testing.T) {
	ctx := context.Background()
	board := blackboard.New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	for _, agent := range []string{"workflow", "compliance"} {
		var err error
		if agent == "workflow" {
			err = board.AddAnomaly(cycleID, models.Anomaly{
				Type: models.AnomalyWorkflowDelay, Agent: agent,
				Evidence: []string{"ev_1"}, Description: "seed",
				Confidence: 0.8, Timestamp: time.Now(),
			})
		} else {
			err = board.AddPolicyHit(cycleID, models.PolicyHit{
				PolicyID: "NO_AFTER_HOURS_WRITE", EventID: "ev_2",
				ViolationType: models.ViolationSilent, Agent: agent,
				Timestamp: time.Now(),
			})
		}
		if err != nil {
			t.Fatalf("seed %s: %v", agent, err)
		}
	}

	// One finding each: the alphabetically first agent wins the tie.
	if got := dominantAgent(board); got != "compliance" {
		t.Errorf("dominant agent = %s, want compliance", got)
	}
}

func TestRunCycleQuietSystem(t *testing.T) {
	m := New(Deps{
		Layer:    observation.NewLayer(100, nil, nil),
		Board:    blackboard.New(nil, nil, nil),
		Insights: insight.NewMaterializer(nil, nil),
	})

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Pulse != models.PulseCalm {
		t.Errorf("pulse = %s, want CALM", result.Pulse)
	}
	if result.EventWindow != 50 || result.Workers != 2 {
		t.Errorf("calm profile not applied: window %d workers %d", result.EventWindow, result.Workers)
	}
	if result.AnomalyCount != 0 || result.PolicyHitCount != 0 || result.CompositeSeverity != 0 {
		t.Errorf("quiet cycle produced findings: %+v", result)
	}
	if result.InsightID != "" || m.LastInsight() != nil {
		t.Error("quiet cycle materialized an insight")
	}
	if diags := m.Diagnostics(10); len(diags) != 1 || diags[0].CycleID != result.CycleID {
		t.Errorf("diagnostics = %+v", diags)
	}
}

type captureGate struct {
	mu    sync.Mutex
	calls int
	last  *models.Insight
}

func (g *captureGate) Dispatch(_ context.Context, _ *models.ReasoningCycle, ins *models.Insight, _ models.RiskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.last = ins
}

func (g *captureGate) snapshot() (int, *models.Insight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.last
}

func TestRunCycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	layer := observation.NewLayer(100, nil, nil)

	// A deployment that skipped its mandatory approval, plus an after-hours
	// sensitive write.
	base := time.Now().Add(-10 * time.Minute)
	night := time.Date(base.Year(), base.Month(), base.Day(), 2, 15, 0, 0, base.Location())
	seed := []*models.ObservedEvent{
		{Type: models.EventWorkflowStart, WorkflowID: "wf_rel_9", Actor: "user_ada", Timestamp: base},
		{Type: models.EventWorkflowStepComplete, WorkflowID: "wf_rel_9", Actor: "user_ada",
			Timestamp: base.Add(time.Minute),
			Metadata:  map[string]interface{}{"step": "build", "seq": 1}},
		{Type: models.EventWorkflowStepComplete, WorkflowID: "wf_rel_9", Actor: "user_ada",
			Timestamp: base.Add(2 * time.Minute),
			Metadata:  map[string]interface{}{"step": "production", "seq": 5}},
		{Type: models.EventAccessWrite, Actor: "user_eve", Resource: "sensitive_db", Timestamp: night},
		{Type: models.EventAccessWrite, Actor: "svc_batch", Resource: "billing_table",
			Timestamp: night.Add(time.Minute)},
	}
	for _, ev := range seed {
		if err := layer.ObserveEvent(ctx, ev); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	gate := &captureGate{}
	m := New(Deps{
		Layer: layer,
		Board: blackboard.New(nil, nil, nil),
		Detection: []agents.Agent{
			agents.NewWorkflowAgent(agents.DefaultWorkflowDefinition(), nil),
			agents.NewComplianceAgent(agents.DefaultPolicySet(), nil),
		},
		Severity:    severity.NewEngine(nil),
		Recommender: recommend.NewEngine(nil, nil),
		Insights:    insight.NewMaterializer(nil, nil),
		GraphSink:   mirror.NopGraphSink{},
		AlertGate:   gate,
	})

	result, err := m.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.AnomalyCount < 1 {
		t.Error("missing approval not detected")
	}
	if result.PolicyHitCount < 2 {
		t.Errorf("policy hits = %d, want at least 2", result.PolicyHitCount)
	}
	if result.RecommendationCount == 0 {
		t.Error("no recommendations emitted")
	}
	if result.CompositeSeverity <= 0 {
		t.Error("composite severity is zero on a noisy cycle")
	}
	if result.InsightID == "" || m.LastInsight() == nil {
		t.Fatal("insight not materialized")
	}

	// The next cycle runs under a raised pulse.
	if m.Pulse() == models.PulseCalm {
		t.Errorf("pulse stayed CALM after composite %v", result.CompositeSeverity)
	}

	// The mirror worker is detached; wait for the gate to see the insight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls, last := gate.snapshot()
		if calls == 1 {
			if last == nil || last.InsightID != result.InsightID {
				t.Errorf("gate saw insight %+v", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alert gate never dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunCyclesAreSerialized(t *testing.T) {
	m := New(Deps{
		Layer: observation.NewLayer(10, nil, nil),
		Board: blackboard.New(nil, nil, nil),
	})

	// Concurrent invocations may never collide on the single open cycle.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RunCycle(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RunCycle: %v", err)
	}
	if got := len(m.Diagnostics(20)); got != 8 {
		t.Errorf("diagnostics = %d cycles, want 8", got)
	}
}

func TestSeverityContextResolution(t *testing.T) {
	ctx := severityContext("NO_AFTER_HOURS_WRITE: ACCESS_WRITE by user_eve on sensitive_db at 02:15")
	if ctx.DataSensitivity <= 0 {
		t.Error("sensitive resource not reflected in context")
	}
	if !ctx.AfterHours {
		t.Error("02:15 not recognized as after hours")
	}

	day := severityContext("workflow wf_rel_9 delayed at 14:30")
	if day.AfterHours {
		t.Error("14:30 marked after hours")
	}
	if day.Entity != "wf_rel_9" {
		t.Errorf("entity = %s", day.Entity)
	}
}
