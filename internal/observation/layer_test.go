package observation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opspulse/opspulse-engine/internal/models"
)

func testEvent(typ models.EventType, md map[string]interface{}) *models.ObservedEvent {
	return &models.ObservedEvent{
		Type:     typ,
		Actor:    "user_1",
		Metadata: md,
	}
}

func TestPurityGuardRejectsInterpretation(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(10, nil, nil)

	for _, key := range []string{"severity", "risk", "anomaly", "alert", "priority"} {
		ev := testEvent(models.EventAccessWrite, map[string]interface{}{key: "high"})
		err := layer.ObserveEvent(ctx, ev)
		if !errors.Is(err, ErrIngestRejected) {
			t.Errorf("metadata key %q: err = %v, want ErrIngestRejected", key, err)
		}
	}

	// Nothing was buffered.
	if events, _ := layer.Counts(); events != 0 {
		t.Errorf("rejected events were buffered: %d", events)
	}
}

func TestPurityGuardRejectsUnknownEventType(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(10, nil, nil)

	err := layer.ObserveEvent(ctx, testEvent("SOMETHING_ELSE", nil))
	if !errors.Is(err, ErrIngestRejected) {
		t.Errorf("unknown type err = %v, want ErrIngestRejected", err)
	}
	if err := layer.ObserveEvent(ctx, nil); !errors.Is(err, ErrIngestRejected) {
		t.Errorf("nil event err = %v, want ErrIngestRejected", err)
	}
}

func TestPurityGuardRejectsIncompleteMetric(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(10, nil, nil)

	err := layer.ObserveMetric(ctx, &models.ObservedMetric{MetricName: "cpu_usage", Value: 50})
	if !errors.Is(err, ErrIngestRejected) {
		t.Errorf("metric without resource: err = %v, want ErrIngestRejected", err)
	}
}

func TestIngestFillsDefaults(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(10, nil, nil)

	ev := testEvent(models.EventLogin, nil)
	if err := layer.ObserveEvent(ctx, ev); err != nil {
		t.Fatalf("ObserveEvent: %v", err)
	}
	if ev.EventID == "" {
		t.Error("EventID not assigned")
	}
	if ev.ObservedAt.IsZero() || ev.Timestamp.IsZero() {
		t.Error("timestamps not defaulted")
	}
}

func TestRingBufferTrimsFromHead(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(3, nil, nil)

	for i := 0; i < 5; i++ {
		ev := testEvent(models.EventLogin, nil)
		ev.EventID = fmt.Sprintf("ev_%d", i)
		if err := layer.ObserveEvent(ctx, ev); err != nil {
			t.Fatalf("ObserveEvent: %v", err)
		}
	}

	events, _ := layer.Counts()
	if events != 3 {
		t.Fatalf("buffered events = %d, want 3", events)
	}
	recent := layer.RecentEvents(10)
	want := []string{"ev_2", "ev_3", "ev_4"}
	for i, id := range want {
		if recent[i].EventID != id {
			t.Errorf("recent[%d] = %s, want %s", i, recent[i].EventID, id)
		}
	}
}

func TestRecentEventsBounded(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(10, nil, nil)

	for i := 0; i < 6; i++ {
		if err := layer.ObserveEvent(ctx, testEvent(models.EventLogin, nil)); err != nil {
			t.Fatalf("ObserveEvent: %v", err)
		}
	}
	if got := len(layer.RecentEvents(4)); got != 4 {
		t.Errorf("RecentEvents(4) = %d", got)
	}
	if got := layer.RecentEvents(0); got != nil {
		t.Errorf("RecentEvents(0) = %v, want nil", got)
	}
}

func TestWindowReadsFilter(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(20, nil, nil)

	base := time.Now().Add(-time.Hour)
	mk := func(id string, typ models.EventType, wf string, offset time.Duration) *models.ObservedEvent {
		return &models.ObservedEvent{
			EventID:    id,
			Type:       typ,
			WorkflowID: wf,
			Actor:      "user_1",
			Timestamp:  base.Add(offset),
		}
	}
	for _, ev := range []*models.ObservedEvent{
		mk("ev_a", models.EventWorkflowStart, "wf_1", 0),
		mk("ev_b", models.EventWorkflowStepComplete, "wf_1", 10*time.Minute),
		mk("ev_c", models.EventWorkflowStepComplete, "wf_2", 20*time.Minute),
		mk("ev_d", models.EventWorkflowStepComplete, "wf_1", 2*time.Hour),
	} {
		if err := layer.ObserveEvent(ctx, ev); err != nil {
			t.Fatalf("ObserveEvent: %v", err)
		}
	}

	got := layer.EventsInWindow(base, base.Add(30*time.Minute), EventFilter{
		Type:       models.EventWorkflowStepComplete,
		WorkflowID: "wf_1",
	})
	if len(got) != 1 || got[0].EventID != "ev_b" {
		t.Errorf("window filter returned %d events", len(got))
	}
}

func TestMetricsWindowFilter(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(20, nil, nil)

	base := time.Now().Add(-time.Hour)
	for i, res := range []string{"vm_a", "vm_b", "vm_a"} {
		m := &models.ObservedMetric{
			ResourceID: res,
			MetricName: "cpu_usage",
			Value:      float64(50 + i),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := layer.ObserveMetric(ctx, m); err != nil {
			t.Fatalf("ObserveMetric: %v", err)
		}
	}

	got := layer.MetricsInWindow(base, base.Add(time.Hour), MetricFilter{ResourceID: "vm_a"})
	if len(got) != 2 {
		t.Errorf("filtered metrics = %d, want 2", len(got))
	}
}

// failingSink always errors; ingest must still succeed.
type failingSink struct{ calls int }

func (s *failingSink) AppendEvent(context.Context, *models.ObservedEvent) error {
	s.calls++
	return errors.New("store down")
}

func (s *failingSink) AppendMetric(context.Context, *models.ObservedMetric) error {
	s.calls++
	return errors.New("store down")
}

func TestSinkFailureNeverFailsIngest(t *testing.T) {
	ctx := context.Background()
	sink := &failingSink{}
	layer := NewLayer(10, sink, nil)

	if err := layer.ObserveEvent(ctx, testEvent(models.EventLogin, nil)); err != nil {
		t.Fatalf("ObserveEvent with failing sink: %v", err)
	}
	if err := layer.ObserveMetric(ctx, &models.ObservedMetric{ResourceID: "vm_a", MetricName: "cpu_usage", Value: 1}); err != nil {
		t.Fatalf("ObserveMetric with failing sink: %v", err)
	}
	if sink.calls != 2 {
		t.Errorf("sink calls = %d, want 2", sink.calls)
	}
	events, metricCount := layer.Counts()
	if events != 1 || metricCount != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", events, metricCount)
	}
}

// memoryWarmer replays canned observations for warm restart.
type memoryWarmer struct {
	events  []*models.ObservedEvent
	metrics []*models.ObservedMetric
}

func (w *memoryWarmer) RecentEvents(_ context.Context, limit int) ([]*models.ObservedEvent, error) {
	if limit < len(w.events) {
		return w.events[:limit], nil
	}
	return w.events, nil
}

func (w *memoryWarmer) RecentMetrics(_ context.Context, limit int) ([]*models.ObservedMetric, error) {
	if limit < len(w.metrics) {
		return w.metrics[:limit], nil
	}
	return w.metrics, nil
}

func TestWarmRestartReloadsBuffers(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(10, nil, nil)

	warmer := &memoryWarmer{
		events: []*models.ObservedEvent{
			{EventID: "ev_old", Type: models.EventLogin, Actor: "user_1", Timestamp: time.Now()},
		},
		metrics: []*models.ObservedMetric{
			{MetricID: "m_old", ResourceID: "vm_a", MetricName: "cpu_usage", Value: 42, Timestamp: time.Now()},
		},
	}
	WarmRestart(ctx, layer, warmer, 5, nil)

	events, metricCount := layer.Counts()
	if events != 1 || metricCount != 1 {
		t.Errorf("warm restart counts = (%d, %d), want (1, 1)", events, metricCount)
	}
	if layer.RecentEvents(1)[0].EventID != "ev_old" {
		t.Error("warm restart did not preserve event identity")
	}
}
