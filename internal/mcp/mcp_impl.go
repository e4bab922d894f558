package mcp

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/agents"
	"github.com/opspulse/opspulse-engine/internal/audit"
	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/db"
	"github.com/opspulse/opspulse-engine/internal/insight"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/mirror"
	"github.com/opspulse/opspulse-engine/internal/models"
	"github.com/opspulse/opspulse-engine/internal/observation"
	"github.com/opspulse/opspulse-engine/internal/recommend"
	"github.com/opspulse/opspulse-engine/internal/severity"
)

// defaultMirrorTimeout bounds the detached graph/alert workers.
const defaultMirrorTimeout = 5 * time.Second

// Deps carries the MCP's collaborators.
type Deps struct {
	Layer       observation.Layer
	Board       blackboard.Blackboard
	Detection   []agents.Agent
	Forecaster  agents.RiskForecaster
	Causal      agents.Agent
	Severity    severity.Engine
	Recommender recommend.Engine
	Insights    insight.Materializer
	GraphSink   mirror.GraphSink
	AlertGate   mirror.AlertGate
	InsightDB   db.InsightStore // optional
	Audit       audit.Logger    // optional
	Logger      *zap.Logger
}

type mcpImpl struct {
	deps Deps

	// runMu serializes cycles.
	runMu sync.Mutex

	memory        *cycleMemory
	lastPulse     models.Pulse
	lastInsight   *models.Insight
	insightMu     sync.Mutex
	mirrorTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// New builds the MCP.
func New(deps Deps, opts ...Option) MCP {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.GraphSink == nil {
		deps.GraphSink = mirror.NopGraphSink{}
	}
	if deps.AlertGate == nil {
		deps.AlertGate = mirror.NopAlertGate{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopLogger{}
	}
	m := &mcpImpl{
		deps:          deps,
		memory:        newCycleMemory(),
		lastPulse:     models.PulseCalm,
		mirrorTimeout: defaultMirrorTimeout,
		logger:        deps.Logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *mcpImpl) Pulse() models.Pulse {
	return perceivePulse(m.memory.recent(perceptionWindow), m.memory.criticalStreak())
}

func (m *mcpImpl) Diagnostics(n int) []models.CycleDiagnostics {
	return m.memory.recent(n)
}

func (m *mcpImpl) LastInsight() *models.Insight {
	m.insightMu.Lock()
	defer m.insightMu.Unlock()
	return m.lastInsight
}

func (m *mcpImpl) RunCycle(ctx context.Context) (*models.CycleResult, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	started := m.now()

	// PERCEIVE + DECIDE
	pulse := m.Pulse()
	if pulse != m.lastPulse {
		_ = m.deps.Audit.LogPulseChanged(ctx, string(m.lastPulse), string(pulse))
		m.logger.Info("pulse changed",
			zap.String("from", string(m.lastPulse)), zap.String("to", string(pulse)))
	}
	m.lastPulse = pulse
	metrics.SetPulse(string(pulse))
	prof := profileFor(pulse)

	// OPEN
	// The blackboard owns the open-cycle gauge.
	cycleID, err := m.deps.Board.StartCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cycle: %w", err)
	}
	_ = m.deps.Audit.LogCycleStarted(ctx, cycleID)

	// SNAPSHOT
	in := agents.Inputs{
		CycleID: cycleID,
		Events:  m.deps.Layer.RecentEvents(prof.eventWindow),
		Metrics: m.deps.Layer.RecentMetrics(prof.metricWindow),
	}

	// DETECT
	m.runDetection(ctx, in, prof.workers)

	// FORECAST, REASON, SCORE, RECOMMEND: serial, each swallowed on failure
	// like a detection agent but after detection has fully settled.
	m.runSerial(ctx, cycleID, in)

	// SYNTHESIZE
	composite := compositeSeverity(m.deps.Board)
	dominant := dominantAgent(m.deps.Board)
	escalation := m.escalationDetected()
	rootCauses := m.newRootCauses()

	// CLOSE
	cycle, err := m.deps.Board.CompleteCycle(ctx)
	if err != nil {
		_ = m.deps.Audit.LogCycleFailed(ctx, cycleID, err)
		return nil, fmt.Errorf("close cycle: %w", err)
	}

	var ins *models.Insight
	if m.deps.Insights != nil {
		ins = m.deps.Insights.Materialize(cycle)
	}
	if ins != nil {
		m.insightMu.Lock()
		m.lastInsight = ins
		m.insightMu.Unlock()
		if m.deps.InsightDB != nil {
			if err := m.deps.InsightDB.SaveInsight(ctx, ins); err != nil {
				metrics.DurableWriteFailures.Inc()
				m.logger.Warn("insight persist failed", zap.Error(err))
			}
		}
	}

	// MIRROR: detached, never blocks cycle completion.
	go m.mirror(cycle, ins)

	// LEARN
	duration := m.now().Sub(started)
	diag := models.CycleDiagnostics{
		CycleID:             cycle.CycleID,
		Pulse:               pulse,
		SeverityScore:       composite,
		AnomalyCount:        len(cycle.Anomalies),
		PolicyHitCount:      len(cycle.PolicyHits),
		RiskSignalCount:     len(cycle.RiskSignals),
		CausalLinkCount:     len(cycle.CausalLinks),
		RecommendationCount: len(cycle.RecommendationsV2),
		Duration:            duration,
		DominantAgent:       dominant,
		EscalationDetected:  escalation,
		NewRootCauses:       rootCauses,
		CompletedAt:         m.now(),
	}
	m.memory.record(diag, rootCauses)

	metrics.CyclesTotal.WithLabelValues(string(pulse)).Inc()
	metrics.CycleDuration.WithLabelValues(string(pulse)).Observe(duration.Seconds())
	metrics.CompositeSeverity.Set(composite)
	_ = m.deps.Audit.LogCycleCompleted(ctx, cycleID, duration, composite)

	result := &models.CycleResult{
		CycleID:             cycle.CycleID,
		Pulse:               pulse,
		EventWindow:         prof.eventWindow,
		MetricWindow:        prof.metricWindow,
		Workers:             prof.workers,
		AnomalyCount:        len(cycle.Anomalies),
		PolicyHitCount:      len(cycle.PolicyHits),
		RiskSignalCount:     len(cycle.RiskSignals),
		CausalLinkCount:     len(cycle.CausalLinks),
		RecommendationCount: len(cycle.RecommendationsV2),
		CompositeSeverity:   composite,
		DurationMillis:      duration.Milliseconds(),
	}
	if ins != nil {
		result.InsightID = ins.InsightID
	}
	m.logger.Info("cycle completed",
		zap.String("cycle_id", cycle.CycleID),
		zap.String("pulse", string(pulse)),
		zap.Float64("composite_severity", composite),
		zap.Int("anomalies", result.AnomalyCount),
		zap.Int("policy_hits", result.PolicyHitCount),
		zap.Duration("duration", duration))
	return result, nil
}

// runDetection fans the detection agents out over a bounded worker pool.
// A panicking or failing agent is logged and swallowed.
func (m *mcpImpl) runDetection(ctx context.Context, in agents.Inputs, workers int) {
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, agent := range m.deps.Detection {
		wg.Add(1)
		sem <- struct{}{}
		go func(a agents.Agent) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					m.swallow(ctx, a.Name(), in.CycleID, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := a.Analyze(ctx, in, m.deps.Board); err != nil {
				m.swallow(ctx, a.Name(), in.CycleID, err)
			}
		}(agent)
	}
	wg.Wait()
}

func (m *mcpImpl) runSerial(ctx context.Context, cycleID string, in agents.Inputs) {
	if m.deps.Forecaster != nil {
		if err := m.deps.Forecaster.Analyze(ctx, in, m.deps.Board); err != nil {
			m.swallow(ctx, m.deps.Forecaster.Name(), cycleID, err)
		}
	}
	if m.deps.Causal != nil {
		if err := m.deps.Causal.Analyze(ctx, in, m.deps.Board); err != nil {
			m.swallow(ctx, m.deps.Causal.Name(), cycleID, err)
		}
	}
	if m.deps.Severity != nil {
		if err := m.deps.Severity.ScoreCycle(cycleID, m.deps.Board, severityContext); err != nil {
			m.swallow(ctx, "severity", cycleID, err)
		}
	}
	if m.deps.Recommender != nil {
		if err := m.deps.Recommender.RecommendCycle(cycleID, m.deps.Board); err != nil {
			m.swallow(ctx, "recommend", cycleID, err)
		}
	}
}

func (m *mcpImpl) swallow(ctx context.Context, agent, cycleID string, err error) {
	metrics.AgentFailures.WithLabelValues(agent).Inc()
	_ = m.deps.Audit.LogAgentFailed(ctx, agent, cycleID, err)
	m.logger.Warn("agent failure swallowed",
		zap.String("agent", agent),
		zap.String("cycle_id", cycleID),
		zap.Error(err))
}

// mirror pushes the cycle's findings to the graph sink and the alert gate
// with its own timeout; no lock is held across these calls.
func (m *mcpImpl) mirror(cycle *models.ReasoningCycle, ins *models.Insight) {
	ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer cancel()

	for _, a := range cycle.Anomalies {
		if err := m.deps.GraphSink.WriteAnomaly(ctx, a); err != nil {
			metrics.MirrorFailures.WithLabelValues("graph_sink").Inc()
		}
	}
	for _, l := range cycle.CausalLinks {
		if err := m.deps.GraphSink.WriteCausalLink(ctx, l); err != nil {
			metrics.MirrorFailures.WithLabelValues("graph_sink").Inc()
		}
	}
	for _, r := range topRecommendations(cycle.RecommendationsV2, 5) {
		if err := m.deps.GraphSink.WriteRecommendation(ctx, r); err != nil {
			metrics.MirrorFailures.WithLabelValues("graph_sink").Inc()
		}
	}

	m.deps.AlertGate.Dispatch(ctx, cycle, ins, worstRisk(cycle))
}

// severityContext resolves per-finding context from the finding description.
// Entity-specific inventories are out of reach here, so the resolver keys on
// the tokens the description carries; unknown entities stay neutral.
func severityContext(description string) severity.Context {
	entity, _ := agents.ExtractEntity(description)
	ctx := severity.Context{Entity: entity}
	lower := strings.ToLower(description)
	if strings.Contains(lower, "sensitive") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") || strings.Contains(lower, "payment") {
		ctx.DataSensitivity = 0.8
		ctx.AssetCriticality = 0.5
	}
	if strings.Contains(lower, "prod") {
		ctx.AssetCriticality = 0.7
		ctx.BlastRadius = 0.5
	}
	if strings.Contains(lower, "svc_") || strings.Contains(lower, "admin") {
		ctx.ActorRisk = 0.5
	}
	if hourPattern.MatchString(description) {
		ctx.AfterHours = afterHoursInDescription(description)
	}
	return ctx
}

// hourPattern finds an HH:MM token in a finding description.
var hourPattern = regexp.MustCompile(`\b([01]?\d|2[0-3]):[0-5]\d`)

func afterHoursInDescription(description string) bool {
	m := hourPattern.FindStringSubmatch(description)
	if len(m) < 2 {
		return false
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	return h < 9 || h >= 18
}

// ─── Synthesis helpers ───────────────────────────────────────────────────────

var anomalyWeights = map[models.AnomalyType]float64{
	models.AnomalyMissingStep:               8,
	models.AnomalySustainedResourceCritical: 7,
	models.AnomalySequenceViolation:         5,
	models.AnomalyWorkflowDelay:             4,
	models.AnomalySustainedResourceWarning:  3,
	models.AnomalyResourceDrift:             2,
	models.AnomalyBaselineDeviation:         3,
	models.AnomalyHighChurnPR:               2,
	models.AnomalyLowTestCoverage:           2,
	models.AnomalyHighComplexityHint:        1,
	models.AnomalyHotspotFileChange:         2,
}

// compositeSeverity sums four capped contributions on 0-100.
func compositeSeverity(board blackboard.Blackboard) float64 {
	var anomaly float64
	for _, a := range board.CurrentAnomalies() {
		w, ok := anomalyWeights[a.Type]
		if !ok {
			w = 1
		}
		anomaly += w * a.Confidence
	}
	if anomaly > 40 {
		anomaly = 40
	}

	policy := 6 * float64(len(board.CurrentPolicyHits()))
	if policy > 30 {
		policy = 30
	}

	var risk float64
	for _, s := range board.CurrentRiskSignals() {
		switch {
		case s.ProjectedState.Rank() >= models.RiskViolation.Rank():
			risk += 10
		case s.ProjectedState == models.RiskAtRisk:
			risk += 5
		case s.ProjectedState == models.RiskDegraded:
			risk += 2
		}
	}
	if risk > 20 {
		risk = 20
	}

	causal := 2.5 * float64(len(board.CurrentCausalLinks()))
	if causal > 10 {
		causal = 10
	}

	total := anomaly + policy + risk + causal
	if total > 100 {
		total = 100
	}
	return total
}

// dominantAgent is the argmax of per-agent finding counts; ties break by
// agent name so the answer is deterministic.
func dominantAgent(board blackboard.Blackboard) string {
	counts := map[string]int{}
	for _, a := range board.CurrentAnomalies() {
		counts[a.Agent]++
	}
	for _, h := range board.CurrentPolicyHits() {
		counts[h.Agent]++
	}
	for range board.CurrentRiskSignals() {
		counts["riskforecast"]++
	}
	if len(counts) == 0 {
		return ""
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	best := names[0]
	for _, name := range names[1:] {
		if counts[name] > counts[best] {
			best = name
		}
	}
	return best
}

func (m *mcpImpl) escalationDetected() bool {
	signals := m.deps.Board.CurrentRiskSignals()
	for _, s := range signals {
		if s.ProjectedState.Rank() > s.CurrentState.Rank() {
			return true
		}
	}
	return len(signals) > m.memory.lastRiskSignalCount()
}

// newRootCauses lists causal cause patterns not seen in earlier cycles.
func (m *mcpImpl) newRootCauses() []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range m.deps.Board.CurrentCausalLinks() {
		if seen[l.Cause] || m.memory.isKnownRootCause(l.Cause) {
			continue
		}
		seen[l.Cause] = true
		out = append(out, l.Cause)
	}
	return out
}

func topRecommendations(recs []models.RecommendationV2, n int) []models.RecommendationV2 {
	var summaries []models.RecommendationV2
	for _, r := range recs {
		if r.Step == 0 {
			summaries = append(summaries, r)
		}
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].SeverityScore > summaries[j].SeverityScore
	})
	if len(summaries) > n {
		summaries = summaries[:n]
	}
	return summaries
}

func worstRisk(cycle *models.ReasoningCycle) models.RiskState {
	worst := models.RiskNormal
	for _, s := range cycle.RiskSignals {
		if s.ProjectedState.Rank() > worst.Rank() {
			worst = s.ProjectedState
		}
	}
	return worst
}
