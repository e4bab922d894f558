package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// causalWindow bounds the cause→effect temporal proximity.
const causalWindow = 60 * time.Second

// CausalPattern is one known cause/effect relation.
type CausalPattern struct {
	Confidence float64
	Reasoning  string
}

// PatternKey pairs a cause finding kind with an effect finding kind.
type PatternKey struct {
	cause  string
	effect string
}

// DefaultCausalPatterns is the shipped pattern table.
func DefaultCausalPatterns() map[PatternKey]CausalPattern {
	return map[PatternKey]CausalPattern{
		{cause: string(models.AnomalySustainedResourceCritical), effect: string(models.AnomalyWorkflowDelay)}: {
			Confidence: 0.85,
			Reasoning:  "critical resource saturation starves workflow steps of capacity",
		},
		{cause: string(models.AnomalySustainedResourceWarning), effect: string(models.AnomalyWorkflowDelay)}: {
			Confidence: 0.70,
			Reasoning:  "sustained resource pressure slows workflow step execution",
		},
		{cause: string(models.AnomalyResourceDrift), effect: string(models.AnomalyWorkflowDelay)}: {
			Confidence: 0.60,
			Reasoning:  "resource drift gradually erodes the headroom workflow steps rely on",
		},
		{cause: string(models.AnomalyMissingStep), effect: string(models.ViolationSilent)}: {
			Confidence: 0.90,
			Reasoning:  "a skipped mandatory step removes the control that would have surfaced the violation",
		},
		{cause: string(models.AnomalySequenceViolation), effect: string(models.RiskAtRisk)}: {
			Confidence: 0.75,
			Reasoning:  "out-of-order execution bypasses gating and raises entity risk",
		},
		{cause: string(models.AnomalyHighChurnPR), effect: string(models.AnomalyWorkflowDelay)}: {
			Confidence: 0.55,
			Reasoning:  "large change sets lengthen review and rollout",
		},
		{cause: string(models.AnomalySustainedResourceCritical), effect: string(models.AnomalyBaselineDeviation)}: {
			Confidence: 0.65,
			Reasoning:  "saturation shifts the metric distribution away from its learned baseline",
		},
	}
}

// causalItem is the normalized view the pattern matcher works over.
type causalItem struct {
	kind     string
	entity   string
	id       string
	evidence []string
	ts       time.Time
}

// causalAgent links temporally proximate findings through the static
// pattern table. Stateless per cycle; the blackboard dedupes links.
type causalAgent struct {
	patterns map[PatternKey]CausalPattern
	logger   *zap.Logger
	now      func() time.Time
}

// NewCausalAgent builds the causal reasoning agent.
func NewCausalAgent(patterns map[PatternKey]CausalPattern, logger *zap.Logger) Agent {
	if patterns == nil {
		patterns = DefaultCausalPatterns()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &causalAgent{patterns: patterns, logger: logger, now: time.Now}
}

func (a *causalAgent) Name() string { return "causal" }

func (a *causalAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	items := a.collect(board)
	sort.Slice(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			cause, effect := items[i], items[j]
			dt := effect.ts.Sub(cause.ts)
			if dt > causalWindow {
				break
			}
			pattern, ok := a.patterns[PatternKey{cause: cause.kind, effect: effect.kind}]
			if !ok {
				continue
			}
			decay := 1 - dt.Seconds()/causalWindow.Seconds()
			if decay < 0.5 {
				decay = 0.5
			}
			link := models.CausalLink{
				LinkID:       models.NewID(models.PrefixCausalLink),
				Cause:        cause.kind,
				Effect:       effect.kind,
				CauseEntity:  cause.entity,
				EffectEntity: effect.entity,
				Confidence:   pattern.Confidence * decay,
				Reasoning:    pattern.Reasoning,
				EvidenceIDs:  append(append([]string(nil), cause.evidence...), effect.evidence...),
				Timestamp:    a.now(),
			}
			if err := board.AddCausalLink(in.CycleID, link); err != nil {
				return err
			}
			metrics.FindingsTotal.WithLabelValues(a.Name(), "causal_link").Inc()
		}
	}
	return ctx.Err()
}

// collect flattens the cycle's anomalies, policy hits, and risk signals into
// one timestamp-sortable list.
func (a *causalAgent) collect(board blackboard.Blackboard) []causalItem {
	var items []causalItem
	for _, anom := range board.CurrentAnomalies() {
		entity, _ := ExtractEntity(anom.Description)
		items = append(items, causalItem{
			kind:     string(anom.Type),
			entity:   entity,
			id:       anom.AnomalyID,
			evidence: []string{anom.AnomalyID},
			ts:       anom.Timestamp,
		})
	}
	for _, hit := range board.CurrentPolicyHits() {
		entity, _ := ExtractEntity(hit.Description)
		if entity == "unknown" {
			entity = hit.PolicyID
		}
		items = append(items, causalItem{
			kind:     string(hit.ViolationType),
			entity:   entity,
			id:       hit.HitID,
			evidence: []string{hit.HitID},
			ts:       hit.Timestamp,
		})
	}
	for _, sig := range board.CurrentRiskSignals() {
		items = append(items, causalItem{
			kind:     string(sig.ProjectedState),
			entity:   sig.Entity,
			id:       sig.SignalID,
			evidence: []string{sig.SignalID},
			ts:       sig.Timestamp,
		})
	}
	return items
}

// String renders a pattern key for logs.
func (k PatternKey) String() string { return fmt.Sprintf("%s->%s", k.cause, k.effect) }
