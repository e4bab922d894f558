package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/models"
	"github.com/opspulse/opspulse-engine/internal/observation"
)

// Package scenario injects predefined synthetic bursts into the observation
// layer so end-to-end detection paths can be exercised on demand. The
// injector is the only component allowed to fabricate observations, and it
// still goes through the regular ingest guard.

// Scenario is one predefined synthetic burst.
type Scenario struct {
	Name            string
	Description     string
	ExpectedAgents  []string
	DetectionCycles int // estimated cycles until detection
	build           func(now time.Time) ([]*models.ObservedEvent, []*models.ObservedMetric)
}

// Execution records one injection for later inspection.
type Execution struct {
	Scenario       string    `json:"scenario"`
	InjectedAt     time.Time `json:"injected_at"`
	EventCount     int       `json:"event_count"`
	MetricCount    int       `json:"metric_count"`
	ExpectedAgents []string  `json:"expected_agents"`
	RejectedCount  int       `json:"rejected_count"`
}

// Injector plays named scenarios into the observation layer.
type Injector interface {
	// Inject plays one named scenario. Unknown names fail.
	Inject(ctx context.Context, name string) (*Execution, error)

	// Scenarios lists the available scenario names.
	Scenarios() []string

	// History returns past executions, oldest first.
	History() []Execution
}

type injectorImpl struct {
	mu        sync.Mutex
	layer     observation.Layer
	scenarios map[string]Scenario
	history   []Execution
	logger    *zap.Logger
	now       func() time.Time
}

// NewInjector builds the injector over the shipped scenario catalog.
func NewInjector(layer observation.Layer, logger *zap.Logger) Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	inj := &injectorImpl{
		layer:     layer,
		scenarios: map[string]Scenario{},
		logger:    logger,
		now:       time.Now,
	}
	for _, s := range builtinScenarios() {
		inj.scenarios[s.Name] = s
	}
	return inj
}

func (i *injectorImpl) Scenarios() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, 0, len(i.scenarios))
	for name := range i.scenarios {
		names = append(names, name)
	}
	return names
}

func (i *injectorImpl) Inject(ctx context.Context, name string) (*Execution, error) {
	i.mu.Lock()
	s, ok := i.scenarios[name]
	i.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}

	now := i.now()
	events, metricSamples := s.build(now)
	exec := Execution{
		Scenario:       s.Name,
		InjectedAt:     now,
		ExpectedAgents: s.ExpectedAgents,
	}
	for _, ev := range events {
		if err := i.layer.ObserveEvent(ctx, ev); err != nil {
			exec.RejectedCount++
			i.logger.Warn("scenario event rejected", zap.String("scenario", name), zap.Error(err))
			continue
		}
		exec.EventCount++
	}
	for _, m := range metricSamples {
		if err := i.layer.ObserveMetric(ctx, m); err != nil {
			exec.RejectedCount++
			continue
		}
		exec.MetricCount++
	}

	i.mu.Lock()
	i.history = append(i.history, exec)
	i.mu.Unlock()
	i.logger.Info("scenario injected",
		zap.String("scenario", name),
		zap.Int("events", exec.EventCount),
		zap.Int("metrics", exec.MetricCount))
	return &exec, nil
}

func (i *injectorImpl) History() []Execution {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Execution, len(i.history))
	copy(out, i.history)
	return out
}

// ─── Scenario catalog ────────────────────────────────────────────────────────

func builtinScenarios() []Scenario {
	return []Scenario{
		{
			Name:            "CASCADING_FAILURE",
			Description:     "latency spike, CPU stress, workflow stall, approval skip, after-hours write",
			ExpectedAgents:  []string{"resource", "workflow", "compliance", "riskforecast", "causal"},
			DetectionCycles: 2,
			build:           buildCascadingFailure,
		},
		{
			Name:            "RESOURCE_EXHAUSTION",
			Description:     "steady CPU and memory climb on one VM",
			ExpectedAgents:  []string{"resource", "baseline", "riskforecast"},
			DetectionCycles: 1,
			build:           buildResourceExhaustion,
		},
		{
			Name:            "COMPLIANCE_DRIFT",
			Description:     "repeated ungoverned sensitive access and service-account writes",
			ExpectedAgents:  []string{"compliance", "riskforecast"},
			DetectionCycles: 1,
			build:           buildComplianceDrift,
		},
		{
			Name:            "DEPLOY_RISK",
			Description:     "oversized low-coverage deployment touching hotspot files",
			ExpectedAgents:  []string{"coderisk"},
			DetectionCycles: 1,
			build:           buildDeployRisk,
		},
	}
}

func buildCascadingFailure(now time.Time) ([]*models.ObservedEvent, []*models.ObservedMetric) {
	// The workflow burst is backdated past the next expected step's budget so
	// the stall is already visible on the first cycle; the metric burst stays
	// recent so the saturation reads as ongoing.
	metricBase := now.Add(-5 * time.Minute)
	var metricSamples []*models.ObservedMetric
	for i := 0; i < 6; i++ {
		metricSamples = append(metricSamples,
			&models.ObservedMetric{
				ResourceID: "vm_api_01", MetricName: "latency_ms",
				Value: 450 + float64(i*40), Timestamp: metricBase.Add(time.Duration(i*10) * time.Second),
			},
			&models.ObservedMetric{
				ResourceID: "vm_api_01", MetricName: "cpu_usage",
				Value: 88 + float64(i*2), Timestamp: metricBase.Add(time.Duration(i*10+5) * time.Second),
			})
	}

	wfStart := now.Add(-50 * time.Minute)
	afterHours := time.Date(now.Year(), now.Month(), now.Day(), 2, 15, 0, 0, now.Location())
	events := []*models.ObservedEvent{
		{Type: models.EventWorkflowStart, WorkflowID: "wf_deploy_cascade", Actor: "user_ada",
			Timestamp: wfStart},
		{Type: models.EventWorkflowStepComplete, WorkflowID: "wf_deploy_cascade", Actor: "user_ada",
			Timestamp: wfStart.Add(30 * time.Second),
			Metadata:  map[string]interface{}{"step": "build", "seq": 1}},
		{Type: models.EventWorkflowStepSkip, WorkflowID: "wf_deploy_cascade", Actor: "user_ada",
			Timestamp: wfStart.Add(70 * time.Second),
			Metadata:  map[string]interface{}{"step": "approval", "seq": 3}},
		{Type: models.EventWorkflowStepComplete, WorkflowID: "wf_deploy_cascade", Actor: "user_ada",
			Timestamp: wfStart.Add(90 * time.Second),
			Metadata:  map[string]interface{}{"step": "production", "seq": 5}},
		{Type: models.EventAccessWrite, Actor: "user_ada", Resource: "sensitive_db",
			Timestamp: afterHours},
	}
	return events, metricSamples
}

func buildResourceExhaustion(now time.Time) ([]*models.ObservedEvent, []*models.ObservedMetric) {
	base := now.Add(-10 * time.Minute)
	var metricSamples []*models.ObservedMetric
	cpu := []float64{55, 62, 68, 75, 82, 88, 93, 96, 98, 99}
	for i, v := range cpu {
		metricSamples = append(metricSamples,
			&models.ObservedMetric{
				ResourceID: "vm_worker_02", MetricName: "cpu_usage",
				Value: v, Timestamp: base.Add(time.Duration(i) * time.Minute),
			},
			&models.ObservedMetric{
				ResourceID: "vm_worker_02", MetricName: "memory_usage",
				Value: v - 5, Timestamp: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			})
	}
	return nil, metricSamples
}

func buildComplianceDrift(now time.Time) ([]*models.ObservedEvent, []*models.ObservedMetric) {
	base := now.Add(-2 * time.Minute)
	events := []*models.ObservedEvent{
		{Type: models.EventAccessRead, Actor: "user_eve", Resource: "secrets_vault", Timestamp: base},
		{Type: models.EventAccessWrite, Actor: "svc_batch", Resource: "billing_table", Timestamp: base.Add(20 * time.Second)},
		{Type: models.EventCredentialAccess, Actor: "user_eve", Resource: "payment_gateway", Timestamp: base.Add(40 * time.Second)},
		{Type: models.EventAccessWrite, Actor: "svc_batch", Resource: "billing_table", Timestamp: base.Add(60 * time.Second)},
	}
	return events, nil
}

func buildDeployRisk(now time.Time) ([]*models.ObservedEvent, []*models.ObservedMetric) {
	base := now.Add(-time.Minute)
	events := []*models.ObservedEvent{
		{Type: models.EventConfigChange, WorkflowID: "wf_release_42", Actor: "user_kai",
			Resource: "repo_core", Timestamp: base,
			Metadata: map[string]interface{}{
				"source": "ci", "deployment_id": "dep_42",
				"lines_changed": 180.0, "test_coverage": 0.55,
				"complexity": 9.5, "file": "internal/auth/session.go",
			}},
	}
	return events, nil
}
