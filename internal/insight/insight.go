package insight

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package insight materializes one closed cycle into a human-facing record.
// The three narrative fields are composed deterministically from finding
// descriptions and causal reasoning; an optional polish step may rewrite the
// prose but can never change findings or severity.

// Polisher optionally rewrites insight prose. It must not create or delete
// findings, change severity, or mutate any other state.
type Polisher interface {
	Polish(summary, why, ignored string) (string, string, string)
}

// NopPolisher returns the prose unchanged.
type NopPolisher struct{}

func (NopPolisher) Polish(summary, why, ignored string) (string, string, string) {
	return summary, why, ignored
}

// Materializer builds insights from closed cycles.
type Materializer interface {
	// Materialize returns nil when the cycle holds no anomalies, policy
	// hits, or risk signals.
	Materialize(cycle *models.ReasoningCycle) *models.Insight
}

type materializerImpl struct {
	polisher Polisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewMaterializer builds the insight materializer. polisher may be nil.
func NewMaterializer(polisher Polisher, logger *zap.Logger) Materializer {
	if polisher == nil {
		polisher = NopPolisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &materializerImpl{polisher: polisher, logger: logger, now: time.Now}
}

func (m *materializerImpl) Materialize(cycle *models.ReasoningCycle) *models.Insight {
	if cycle == nil {
		return nil
	}
	if len(cycle.Anomalies) == 0 && len(cycle.PolicyHits) == 0 && len(cycle.RiskSignals) == 0 {
		return nil
	}

	severityLabel := m.severityFor(cycle)
	confidence := m.confidenceFor(cycle)
	summary := m.summarize(cycle)
	why := m.whyItMatters(cycle)
	ignored := m.ifIgnored(cycle)
	summary, why, ignored = m.polisher.Polish(summary, why, ignored)

	var evidence []string
	for _, a := range cycle.Anomalies {
		evidence = append(evidence, a.AnomalyID)
	}
	for _, h := range cycle.PolicyHits {
		evidence = append(evidence, h.HitID)
	}
	for _, s := range cycle.RiskSignals {
		evidence = append(evidence, s.SignalID)
	}

	return &models.Insight{
		InsightID:               models.NewID(models.PrefixInsight),
		CycleID:                 cycle.CycleID,
		Severity:                severityLabel,
		Confidence:              confidence,
		Summary:                 summary,
		WhyItMatters:            why,
		WhatWillHappenIfIgnored: ignored,
		RecommendedActions:      summaries(cycle.RecommendationsV2),
		EvidenceIDs:             evidence,
		CreatedAt:               m.now(),
	}
}

// severityFor picks the label from the highest-priority condition present.
func (m *materializerImpl) severityFor(cycle *models.ReasoningCycle) string {
	criticalPolicies := map[string]bool{
		"NO_UNCONTROLLED_SENSITIVE_ACCESS": true,
		"NO_SKIP_APPROVAL":                 true,
	}
	for _, h := range cycle.PolicyHits {
		if criticalPolicies[h.PolicyID] {
			return "CRITICAL"
		}
	}
	for _, s := range cycle.RiskSignals {
		if s.ProjectedState == models.RiskIncident {
			return "CRITICAL"
		}
	}
	for _, a := range cycle.Anomalies {
		if a.Type == models.AnomalySustainedResourceCritical {
			return "HIGH"
		}
	}
	for _, a := range cycle.Anomalies {
		if a.Type == models.AnomalyMissingStep {
			return "HIGH"
		}
	}
	for _, s := range cycle.RiskSignals {
		if s.ProjectedState.Rank() >= models.RiskAtRisk.Rank() {
			return "MEDIUM"
		}
	}
	if len(cycle.PolicyHits) > 0 {
		return "MEDIUM"
	}
	return "LOW"
}

// confidenceFor blends the average and maximum finding confidence.
func (m *materializerImpl) confidenceFor(cycle *models.ReasoningCycle) float64 {
	var confs []float64
	for _, a := range cycle.Anomalies {
		confs = append(confs, a.Confidence)
	}
	for _, s := range cycle.RiskSignals {
		confs = append(confs, s.Confidence)
	}
	for _, l := range cycle.CausalLinks {
		confs = append(confs, l.Confidence)
	}
	for range cycle.PolicyHits {
		confs = append(confs, 1.0)
	}
	if len(confs) == 0 {
		return 0.5
	}
	var sum, max float64
	for _, c := range confs {
		sum += c
		if c > max {
			max = c
		}
	}
	avg := sum / float64(len(confs))
	return 0.7*avg + 0.3*max
}

func (m *materializerImpl) summarize(cycle *models.ReasoningCycle) string {
	var parts []string
	if n := len(cycle.Anomalies); n > 0 {
		parts = append(parts, fmt.Sprintf("%d anomalies (%s)", n, anomalyTypes(cycle.Anomalies)))
	}
	if n := len(cycle.PolicyHits); n > 0 {
		parts = append(parts, fmt.Sprintf("%d policy violations", n))
	}
	if n := len(cycle.RiskSignals); n > 0 {
		parts = append(parts, fmt.Sprintf("%d escalating risk signals", n))
	}
	return "Detected " + strings.Join(parts, ", ") + " in the last reasoning pass."
}

func (m *materializerImpl) whyItMatters(cycle *models.ReasoningCycle) string {
	if len(cycle.CausalLinks) > 0 {
		l := cycle.CausalLinks[0]
		return fmt.Sprintf("These findings are connected: %s. Left alone, the chain from %s to %s will keep reinforcing itself.",
			l.Reasoning, l.Cause, l.Effect)
	}
	if len(cycle.PolicyHits) > 0 {
		return "Policy violations occurred silently; nothing in the normal control path raised them."
	}
	if len(cycle.Anomalies) > 0 {
		return fmt.Sprintf("The dominant finding is %s, which degrades delivery reliability while it persists.",
			cycle.Anomalies[0].Type)
	}
	return "Risk is projected to escalate without any new failure being introduced."
}

func (m *materializerImpl) ifIgnored(cycle *models.ReasoningCycle) string {
	worst := models.RiskNormal
	entity := ""
	for _, s := range cycle.RiskSignals {
		if s.ProjectedState.Rank() > worst.Rank() {
			worst = s.ProjectedState
			entity = s.Entity
		}
	}
	if worst.Rank() > models.RiskNormal.Rank() {
		return fmt.Sprintf("%s is projected to reach %s within its forecast horizon; remediation cost grows with every cycle of inaction.",
			entity, worst)
	}
	if len(cycle.PolicyHits) > 0 {
		return "Unaddressed silent violations normalize the bypass and widen the audit gap."
	}
	return "The observed degradation will continue to accumulate until it breaches an SLA boundary."
}

// summaries keeps only the Step 0 entries for the insight's action list.
func summaries(recs []models.RecommendationV2) []models.RecommendationV2 {
	var out []models.RecommendationV2
	for _, r := range recs {
		if r.Step == 0 {
			out = append(out, r)
		}
	}
	return out
}

func anomalyTypes(anoms []models.Anomaly) string {
	seen := map[models.AnomalyType]bool{}
	var kinds []string
	for _, a := range anoms {
		if !seen[a.Type] {
			seen[a.Type] = true
			kinds = append(kinds, string(a.Type))
		}
	}
	return strings.Join(kinds, ", ")
}
