package scenario

import (
	"context"
	"sort"
	"testing"

	"github.com/opspulse/opspulse-engine/internal/observation"
)

func TestScenarioCatalog(t *testing.T) {
	inj := NewInjector(observation.NewLayer(100, nil, nil), nil)

	names := inj.Scenarios()
	sort.Strings(names)
	want := []string{"CASCADING_FAILURE", "COMPLIANCE_DRIFT", "DEPLOY_RISK", "RESOURCE_EXHAUSTION"}
	if len(names) != len(want) {
		t.Fatalf("scenarios = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("scenario[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestInjectCascadingFailure(t *testing.T) {
	layer := observation.NewLayer(100, nil, nil)
	inj := NewInjector(layer, nil)

	exec, err := inj.Inject(context.Background(), "CASCADING_FAILURE")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if exec.EventCount != 5 || exec.MetricCount != 12 {
		t.Errorf("counts = (%d, %d), want (5, 12)", exec.EventCount, exec.MetricCount)
	}
	if exec.RejectedCount != 0 {
		t.Errorf("rejected = %d, want 0", exec.RejectedCount)
	}
	if len(exec.ExpectedAgents) != 5 {
		t.Errorf("expected agents = %v", exec.ExpectedAgents)
	}

	events, metricCount := layer.Counts()
	if events != 5 || metricCount != 12 {
		t.Errorf("buffered = (%d, %d), want (5, 12)", events, metricCount)
	}
}

func TestInjectMetricOnlyScenario(t *testing.T) {
	layer := observation.NewLayer(100, nil, nil)
	inj := NewInjector(layer, nil)

	exec, err := inj.Inject(context.Background(), "RESOURCE_EXHAUSTION")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if exec.EventCount != 0 || exec.MetricCount != 20 {
		t.Errorf("counts = (%d, %d), want (0, 20)", exec.EventCount, exec.MetricCount)
	}
}

func TestInjectUnknownScenario(t *testing.T) {
	inj := NewInjector(observation.NewLayer(100, nil, nil), nil)

	if _, err := inj.Inject(context.Background(), "NOT_A_SCENARIO"); err == nil {
		t.Fatal("unknown scenario did not fail")
	}
	if got := inj.History(); len(got) != 0 {
		t.Errorf("failed injection recorded in history: %v", got)
	}
}

func TestHistoryOldestFirst(t *testing.T) {
	inj := NewInjector(observation.NewLayer(100, nil, nil), nil)
	ctx := context.Background()

	for _, name := range []string{"DEPLOY_RISK", "COMPLIANCE_DRIFT"} {
		if _, err := inj.Inject(ctx, name); err != nil {
			t.Fatalf("Inject(%s): %v", name, err)
		}
	}

	hist := inj.History()
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2", len(hist))
	}
	if hist[0].Scenario != "DEPLOY_RISK" || hist[1].Scenario != "COMPLIANCE_DRIFT" {
		t.Errorf("history order = %s, %s", hist[0].Scenario, hist[1].Scenario)
	}
}

func TestInjectionPassesIngestGuard(t *testing.T) {
	// Injected observations take the same guarded path as live ingest, so
	// every built scenario must survive the purity checks.
	layer := observation.NewLayer(500, nil, nil)
	inj := NewInjector(layer, nil)
	ctx := context.Background()

	for _, name := range inj.Scenarios() {
		exec, err := inj.Inject(ctx, name)
		if err != nil {
			t.Fatalf("Inject(%s): %v", name, err)
		}
		if exec.RejectedCount != 0 {
			t.Errorf("%s: %d observations rejected by the guard", name, exec.RejectedCount)
		}
	}
}
