package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Code-risk thresholds.
const (
	churnLineThreshold  = 40
	coverageFloor       = 0.70
	complexityThreshold = 8.0
	hotspotConfidence   = 0.85
)

// hotspotKeywords flag filenames whose change carries outsized risk even at
// low churn.
var hotspotKeywords = []string{"auth", "payment", "config", "migration"}

// codeRiskAgent derives risk anomalies from code/CI-sourced events. An event
// belongs to this agent when metadata carries source=ci or a deployment_id.
// Stateless per cycle.
type codeRiskAgent struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewCodeRiskAgent builds the code-risk detection agent.
func NewCodeRiskAgent(logger *zap.Logger) Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &codeRiskAgent{logger: logger, now: time.Now}
}

func (a *codeRiskAgent) Name() string { return "coderisk" }

func isCodeEvent(ev *models.ObservedEvent) bool {
	if strings.EqualFold(metadataString(ev.Metadata, "source"), "ci") {
		return true
	}
	return metadataString(ev.Metadata, "deployment_id") != ""
}

func (a *codeRiskAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	groups := map[string][]*models.ObservedEvent{}
	for _, ev := range in.Events {
		if !isCodeEvent(ev) {
			continue
		}
		dep := metadataString(ev.Metadata, "deployment_id")
		if dep == "" {
			dep = ev.WorkflowID
		}
		if dep == "" {
			dep = "untracked"
		}
		groups[dep] = append(groups[dep], ev)
	}

	deps := make([]string, 0, len(groups))
	for dep := range groups {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	for _, dep := range deps {
		for _, ev := range groups[dep] {
			if err := a.evaluate(in.CycleID, dep, ev, board); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (a *codeRiskAgent) evaluate(cycleID, dep string, ev *models.ObservedEvent, board blackboard.Blackboard) error {
	if lines, ok := metadataFloat(ev.Metadata, "lines_changed"); ok && lines >= churnLineThreshold {
		conf := 0.6 + 0.3*((lines-churnLineThreshold)/200)
		if conf > 0.9 {
			conf = 0.9
		}
		if err := a.emit(cycleID, ev, board, models.AnomalyHighChurnPR, conf,
			fmt.Sprintf("deployment %s changed %.0f lines in one event", dep, lines)); err != nil {
			return err
		}
	}
	if cov, ok := metadataFloat(ev.Metadata, "test_coverage"); ok && cov < coverageFloor {
		conf := 0.6 + 0.3*((coverageFloor-cov)/coverageFloor)
		if err := a.emit(cycleID, ev, board, models.AnomalyLowTestCoverage, conf,
			fmt.Sprintf("deployment %s shipping with %.0f%% coverage (floor %.0f%%)", dep, cov*100, coverageFloor*100)); err != nil {
			return err
		}
	}
	if cx, ok := metadataFloat(ev.Metadata, "complexity"); ok && cx >= complexityThreshold {
		if err := a.emit(cycleID, ev, board, models.AnomalyHighComplexityHint, 0.7,
			fmt.Sprintf("deployment %s touches code with complexity %.1f", dep, cx)); err != nil {
			return err
		}
	}
	if file := metadataString(ev.Metadata, "file"); file != "" && isHotspotFile(file) {
		if err := a.emit(cycleID, ev, board, models.AnomalyHotspotFileChange, hotspotConfidence,
			fmt.Sprintf("deployment %s modifies hotspot file %s", dep, file)); err != nil {
			return err
		}
	}
	return nil
}

func isHotspotFile(file string) bool {
	lower := strings.ToLower(file)
	for _, kw := range hotspotKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (a *codeRiskAgent) emit(cycleID string, ev *models.ObservedEvent, board blackboard.Blackboard, kind models.AnomalyType, conf float64, desc string) error {
	anom := models.Anomaly{
		AnomalyID:   models.NewID(models.PrefixAnomaly),
		Type:        kind,
		Agent:       a.Name(),
		Evidence:    []string{ev.EventID},
		Description: desc,
		Confidence:  conf,
		Timestamp:   a.now(),
	}
	if err := board.AddAnomaly(cycleID, anom); err != nil {
		return err
	}
	metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	return nil
}
