package blackboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

func testAnomaly(desc string) models.Anomaly {
	return models.Anomaly{
		Type:        models.AnomalyWorkflowDelay,
		Agent:       "workflow",
		Evidence:    []string{"ev_1"},
		Description: desc,
		Confidence:  0.8,
	}
}

func TestCycleLifecycle(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)

	if _, ok := board.CurrentCycleID(); ok {
		t.Error("fresh board reports an open cycle")
	}

	cycleID, err := board.StartCycle(ctx)
	if err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if id, ok := board.CurrentCycleID(); !ok || id != cycleID {
		t.Errorf("CurrentCycleID = (%s, %v), want (%s, true)", id, ok, cycleID)
	}

	if _, err := board.StartCycle(ctx); !errors.Is(err, ErrCycleActive) {
		t.Errorf("second StartCycle error = %v, want ErrCycleActive", err)
	}

	if err := board.AddAnomaly(cycleID, testAnomaly("wf_a stalled")); err != nil {
		t.Fatalf("AddAnomaly: %v", err)
	}

	cycle, err := board.CompleteCycle(ctx)
	if err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}
	if cycle.CycleID != cycleID || cycle.CompletedAt == nil {
		t.Error("completed cycle not frozen correctly")
	}
	if len(cycle.Anomalies) != 1 {
		t.Errorf("anomalies = %d, want 1", len(cycle.Anomalies))
	}

	if _, err := board.CompleteCycle(ctx); !errors.Is(err, ErrNoActiveCycle) {
		t.Errorf("CompleteCycle with no cycle = %v, want ErrNoActiveCycle", err)
	}
}

func TestWritesToClosedCycleFail(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)

	cycleID, _ := board.StartCycle(ctx)
	if _, err := board.CompleteCycle(ctx); err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}

	if err := board.AddAnomaly(cycleID, testAnomaly("late write")); !errors.Is(err, ErrCycleImmutable) {
		t.Errorf("write to closed cycle = %v, want ErrCycleImmutable", err)
	}
	if err := board.AddAnomaly("cyc_never_existed", testAnomaly("noise")); !errors.Is(err, ErrNoActiveCycle) {
		t.Errorf("write to unknown cycle = %v, want ErrNoActiveCycle", err)
	}
}

func TestFindingsRequireEvidence(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	anom := testAnomaly("no evidence")
	anom.Evidence = nil
	if err := board.AddAnomaly(cycleID, anom); !errors.Is(err, ErrMissingEvidence) {
		t.Errorf("evidence-free anomaly = %v, want ErrMissingEvidence", err)
	}

	hit := models.PolicyHit{PolicyID: "P1", Agent: "compliance"}
	if err := board.AddPolicyHit(cycleID, hit); !errors.Is(err, ErrMissingEvidence) {
		t.Errorf("event-free policy hit = %v, want ErrMissingEvidence", err)
	}

	sig := models.RiskSignal{Entity: "wf_a", ProjectedState: models.RiskAtRisk}
	if err := board.AddRiskSignal(cycleID, sig); !errors.Is(err, ErrMissingEvidence) {
		t.Errorf("evidence-free risk signal = %v, want ErrMissingEvidence", err)
	}
}

func TestPolicyHitDedupe(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	hit := models.PolicyHit{
		PolicyID:      "NO_AFTER_HOURS_WRITE",
		EventID:       "ev_1",
		ViolationType: models.ViolationSilent,
		Agent:         "compliance",
	}
	for i := 0; i < 3; i++ {
		if err := board.AddPolicyHit(cycleID, hit); err != nil {
			t.Fatalf("AddPolicyHit: %v", err)
		}
	}
	if n := len(board.CurrentPolicyHits()); n != 1 {
		t.Errorf("duplicate (policy, event) recorded %d times", n)
	}
}

func TestCausalLinkDedupe(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	link := models.CausalLink{
		Cause:        "SUSTAINED_RESOURCE_CRITICAL",
		Effect:       "WORKFLOW_DELAY",
		CauseEntity:  "vm_a",
		EffectEntity: "wf_a",
		Confidence:   0.8,
		EvidenceIDs:  []string{"an_1", "an_2"},
	}
	for i := 0; i < 2; i++ {
		if err := board.AddCausalLink(cycleID, link); err != nil {
			t.Fatalf("AddCausalLink: %v", err)
		}
	}
	if n := len(board.CurrentCausalLinks()); n != 1 {
		t.Errorf("duplicate causal link recorded %d times", n)
	}
}

func TestAppendOrderPreserved(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	descs := []string{"first", "second", "third", "fourth"}
	for _, d := range descs {
		if err := board.AddAnomaly(cycleID, testAnomaly(d)); err != nil {
			t.Fatalf("AddAnomaly: %v", err)
		}
	}
	got := board.CurrentAnomalies()
	for i, d := range descs {
		if got[i].Description != d {
			t.Errorf("anomaly[%d] = %q, want %q", i, got[i].Description, d)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	if err := board.AddAnomaly(cycleID, testAnomaly("original")); err != nil {
		t.Fatalf("AddAnomaly: %v", err)
	}
	snap := board.CurrentAnomalies()
	snap[0].Description = "mutated"

	if board.CurrentAnomalies()[0].Description != "original" {
		t.Error("snapshot mutation leaked into the board")
	}
}

func TestConcurrentWritersAllLand(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = board.AddAnomaly(cycleID, testAnomaly("concurrent"))
			}
		}()
	}
	wg.Wait()

	if n := len(board.CurrentAnomalies()); n != writers*perWriter {
		t.Errorf("anomalies = %d, want %d", n, writers*perWriter)
	}
}

func TestRecentCyclesNewestFirst(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := board.StartCycle(ctx)
		if err != nil {
			t.Fatalf("StartCycle: %v", err)
		}
		ids = append(ids, id)
		if _, err := board.CompleteCycle(ctx); err != nil {
			t.Fatalf("CompleteCycle: %v", err)
		}
	}

	recent := board.RecentCycles(2)
	if len(recent) != 2 {
		t.Fatalf("RecentCycles(2) = %d cycles", len(recent))
	}
	if recent[0].CycleID != ids[2] || recent[1].CycleID != ids[1] {
		t.Error("RecentCycles not newest first")
	}
}

func TestCycleLogJSONL(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	board := New(&buf, nil, nil)

	cycleID, _ := board.StartCycle(ctx)
	if err := board.AddAnomaly(cycleID, testAnomaly("logged")); err != nil {
		t.Fatalf("AddAnomaly: %v", err)
	}
	if _, err := board.CompleteCycle(ctx); err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}

	line := bytes.TrimSpace(buf.Bytes())
	var decoded models.ReasoningCycle
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("cycle log line is not valid JSON: %v", err)
	}
	if decoded.CycleID != cycleID || len(decoded.Anomalies) != 1 {
		t.Error("cycle log line missing cycle content")
	}
}

type failingPersister struct{ calls int }

func (p *failingPersister) SaveCycle(context.Context, *models.ReasoningCycle) error {
	p.calls++
	return errors.New("store down")
}

func TestPersistFailureDoesNotFailCompletion(t *testing.T) {
	ctx := context.Background()
	p := &failingPersister{}
	board := New(nil, p, nil)

	if _, err := board.StartCycle(ctx); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	cycle, err := board.CompleteCycle(ctx)
	if err != nil {
		t.Fatalf("CompleteCycle must not fail on persister error: %v", err)
	}
	if cycle == nil || p.calls != 1 {
		t.Errorf("persister calls = %d, want 1", p.calls)
	}
}

func TestLegacyRecommendationProjection(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)
	cycleID, _ := board.StartCycle(ctx)

	for step := 0; step <= 2; step++ {
		rec := models.RecommendationV2{
			RuleID:      "R-TEST",
			ActionCode:  "DO_THING",
			EvidenceIDs: []string{"an_1"},
			Step:        step,
			Timestamp:   time.Now(),
		}
		if err := board.AddRecommendationV2(cycleID, rec); err != nil {
			t.Fatalf("AddRecommendationV2: %v", err)
		}
	}

	cycle, err := board.CompleteCycle(ctx)
	if err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}
	// Only the step-0 summary projects into the legacy list.
	if len(cycle.Recommendations) != 1 {
		t.Errorf("legacy recommendations = %d, want 1", len(cycle.Recommendations))
	}
	if len(cycle.RecommendationsV2) != 3 {
		t.Errorf("v2 recommendations = %d, want 3", len(cycle.RecommendationsV2))
	}
}

func TestOpenCycleGaugeTracksLifecycle(t *testing.T) {
	ctx := context.Background()
	board := New(nil, nil, nil)

	if _, err := board.StartCycle(ctx); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if got := testutil.ToFloat64(metrics.CycleOpen); got != 1 {
		t.Errorf("open gauge = %v, want 1", got)
	}

	if _, err := board.CompleteCycle(ctx); err != nil {
		t.Fatalf("CompleteCycle: %v", err)
	}
	if got := testutil.ToFloat64(metrics.CycleOpen); got != 0 {
		t.Errorf("gauge after close = %v, want 0", got)
	}
}
