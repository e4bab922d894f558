package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// DefaultHistorySize is the number of closed cycles kept in memory.
const DefaultHistorySize = 100

// boardImpl is the mutex-serialized Blackboard implementation.
type boardImpl struct {
	mu sync.RWMutex

	current *models.ReasoningCycle
	closed  map[string]bool // ids of cycles this process has closed

	// causal de-dup per open cycle, keyed by
	// (cause_type, cause_entity, effect_type, effect_entity)
	causalSeen map[string]bool

	history     []*models.ReasoningCycle // newest last, trimmed from head
	historySize int

	cycleLog  io.Writer // JSONL of closed cycles, may be nil
	persister CyclePersister
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a blackboard. cycleLog and persister may be nil.
func New(cycleLog io.Writer, persister CyclePersister, logger *zap.Logger) Blackboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &boardImpl{
		closed:      make(map[string]bool),
		causalSeen:  make(map[string]bool),
		historySize: DefaultHistorySize,
		cycleLog:    cycleLog,
		persister:   persister,
		logger:      logger,
		now:         time.Now,
	}
}

// StartCycle opens a new cycle. Exactly one cycle may be open per process.
func (b *boardImpl) StartCycle(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil {
		return "", fmt.Errorf("%w: %s", ErrCycleActive, b.current.CycleID)
	}

	cycle := &models.ReasoningCycle{
		CycleID:   models.NewID(models.PrefixCycle),
		StartedAt: b.now(),
	}
	b.current = cycle
	b.causalSeen = make(map[string]bool)
	metrics.CycleOpen.Set(1)

	b.logger.Debug("cycle opened", zap.String("cycle_id", cycle.CycleID))
	return cycle.CycleID, nil
}

// CompleteCycle closes the open cycle and freezes it.
func (b *boardImpl) CompleteCycle(ctx context.Context) (*models.ReasoningCycle, error) {
	b.mu.Lock()
	if b.current == nil {
		b.mu.Unlock()
		return nil, ErrNoActiveCycle
	}

	cycle := b.current
	done := b.now()
	cycle.CompletedAt = &done

	// Legacy recommendation list is a projection of the V2 summary entries.
	for _, rec := range cycle.RecommendationsV2 {
		if rec.Step == 0 {
			cycle.Recommendations = append(cycle.Recommendations, rec.Projection())
		}
	}

	b.current = nil
	b.closed[cycle.CycleID] = true
	b.history = append(b.history, cycle)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	metrics.CycleOpen.Set(0)
	b.mu.Unlock()

	b.appendCycleLog(cycle)
	if b.persister != nil {
		if err := b.persister.SaveCycle(ctx, cycle); err != nil {
			metrics.DurableWriteFailures.Inc()
			b.logger.Warn("cycle persist failed",
				zap.String("cycle_id", cycle.CycleID),
				zap.Error(err))
		}
	}

	b.logger.Debug("cycle closed",
		zap.String("cycle_id", cycle.CycleID),
		zap.Int("anomalies", len(cycle.Anomalies)),
		zap.Int("policy_hits", len(cycle.PolicyHits)))
	return cycle, nil
}

// appendCycleLog writes one serialized cycle per line.
func (b *boardImpl) appendCycleLog(cycle *models.ReasoningCycle) {
	if b.cycleLog == nil {
		return
	}
	line, err := json.Marshal(cycle)
	if err != nil {
		b.logger.Warn("cycle log marshal failed", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := b.cycleLog.Write(line); err != nil {
		b.logger.Warn("cycle log append failed", zap.Error(err))
	}
}

// CurrentCycleID returns the open cycle id.
func (b *boardImpl) CurrentCycleID() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return "", false
	}
	return b.current.CycleID, true
}

// checkWritable resolves a cycle id to the open cycle or the right error.
// Caller must hold b.mu.
func (b *boardImpl) checkWritable(cycleID string) (*models.ReasoningCycle, error) {
	if b.current != nil && b.current.CycleID == cycleID {
		return b.current, nil
	}
	if b.closed[cycleID] {
		return nil, fmt.Errorf("%w: %s", ErrCycleImmutable, cycleID)
	}
	return nil, ErrNoActiveCycle
}

func (b *boardImpl) AddFact(cycleID string, f models.Fact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if f.FactID == "" {
		f.FactID = models.NewID(models.PrefixFact)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = b.now()
	}
	cycle.Facts = append(cycle.Facts, f)
	return nil
}

func (b *boardImpl) AddAnomaly(cycleID string, a models.Anomaly) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if len(a.Evidence) == 0 {
		return fmt.Errorf("%w: anomaly %s", ErrMissingEvidence, a.Type)
	}
	if a.AnomalyID == "" {
		a.AnomalyID = models.NewID(models.PrefixAnomaly)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = b.now()
	}
	cycle.Anomalies = append(cycle.Anomalies, a)
	metrics.FindingsTotal.WithLabelValues(a.Agent, "anomaly").Inc()
	return nil
}

func (b *boardImpl) AddPolicyHit(cycleID string, h models.PolicyHit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if h.EventID == "" {
		return fmt.Errorf("%w: policy hit %s", ErrMissingEvidence, h.PolicyID)
	}
	// De-dup per cycle by (policy_id, event_id).
	for _, existing := range cycle.PolicyHits {
		if existing.PolicyID == h.PolicyID && existing.EventID == h.EventID {
			return nil
		}
	}
	if h.HitID == "" {
		h.HitID = models.NewID(models.PrefixPolicyHit)
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = b.now()
	}
	cycle.PolicyHits = append(cycle.PolicyHits, h)
	metrics.FindingsTotal.WithLabelValues(h.Agent, "policy_hit").Inc()
	return nil
}

func (b *boardImpl) AddRiskSignal(cycleID string, s models.RiskSignal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if len(s.EvidenceIDs) == 0 {
		return fmt.Errorf("%w: risk signal for %s", ErrMissingEvidence, s.Entity)
	}
	if s.SignalID == "" {
		s.SignalID = models.NewID(models.PrefixRiskSignal)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = b.now()
	}
	cycle.RiskSignals = append(cycle.RiskSignals, s)
	metrics.FindingsTotal.WithLabelValues("risk_forecast", "risk_signal").Inc()
	return nil
}

func (b *boardImpl) AddHypothesis(cycleID string, h models.Hypothesis) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if h.HypothesisID == "" {
		h.HypothesisID = models.NewID(models.PrefixHypothesis)
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = b.now()
	}
	cycle.Hypotheses = append(cycle.Hypotheses, h)
	return nil
}

func (b *boardImpl) AddCausalLink(cycleID string, l models.CausalLink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if len(l.EvidenceIDs) == 0 {
		return fmt.Errorf("%w: causal link %s->%s", ErrMissingEvidence, l.Cause, l.Effect)
	}
	key := l.Cause + "|" + l.CauseEntity + "|" + l.Effect + "|" + l.EffectEntity
	if b.causalSeen[key] {
		return nil
	}
	b.causalSeen[key] = true
	if l.LinkID == "" {
		l.LinkID = models.NewID(models.PrefixCausalLink)
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = b.now()
	}
	cycle.CausalLinks = append(cycle.CausalLinks, l)
	metrics.FindingsTotal.WithLabelValues("causal", "causal_link").Inc()
	return nil
}

func (b *boardImpl) AddRecommendation(cycleID string, r models.Recommendation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if r.RecID == "" {
		r.RecID = models.NewID(models.PrefixRecommendation)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = b.now()
	}
	cycle.Recommendations = append(cycle.Recommendations, r)
	return nil
}

func (b *boardImpl) AddSeverityScore(cycleID string, s models.SeverityScore) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if s.ScoreID == "" {
		s.ScoreID = models.NewID(models.PrefixSeverity)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = b.now()
	}
	cycle.SeverityScores = append(cycle.SeverityScores, s)
	return nil
}

func (b *boardImpl) AddRecommendationV2(cycleID string, r models.RecommendationV2) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if len(r.EvidenceIDs) == 0 {
		return fmt.Errorf("%w: recommendation %s", ErrMissingEvidence, r.ActionCode)
	}
	if r.RecID == "" {
		r.RecID = models.NewID(models.PrefixRecommendation)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = b.now()
	}
	cycle.RecommendationsV2 = append(cycle.RecommendationsV2, r)
	metrics.FindingsTotal.WithLabelValues("recommendation", "recommendation_v2").Inc()
	return nil
}

func (b *boardImpl) AddScenarioRun(cycleID string, r models.ScenarioRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cycle, err := b.checkWritable(cycleID)
	if err != nil {
		return err
	}
	if r.RunID == "" {
		r.RunID = models.NewID(models.PrefixScenario)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = b.now()
	}
	cycle.ScenarioRuns = append(cycle.ScenarioRuns, r)
	return nil
}

// ─── Snapshot reads ───────────────────────────────────────────────────────────

func (b *boardImpl) CurrentAnomalies() []models.Anomaly {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.Anomaly, len(b.current.Anomalies))
	copy(out, b.current.Anomalies)
	return out
}

func (b *boardImpl) CurrentPolicyHits() []models.PolicyHit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.PolicyHit, len(b.current.PolicyHits))
	copy(out, b.current.PolicyHits)
	return out
}

func (b *boardImpl) CurrentRiskSignals() []models.RiskSignal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.RiskSignal, len(b.current.RiskSignals))
	copy(out, b.current.RiskSignals)
	return out
}

func (b *boardImpl) CurrentCausalLinks() []models.CausalLink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.CausalLink, len(b.current.CausalLinks))
	copy(out, b.current.CausalLinks)
	return out
}

func (b *boardImpl) CurrentSeverityScores() []models.SeverityScore {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.SeverityScore, len(b.current.SeverityScores))
	copy(out, b.current.SeverityScores)
	return out
}

func (b *boardImpl) CurrentRecommendationsV2() []models.RecommendationV2 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.RecommendationV2, len(b.current.RecommendationsV2))
	copy(out, b.current.RecommendationsV2)
	return out
}

func (b *boardImpl) CurrentHypotheses() []models.Hypothesis {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return nil
	}
	out := make([]models.Hypothesis, len(b.current.Hypotheses))
	copy(out, b.current.Hypotheses)
	return out
}

// RecentCycles returns up to n closed cycles, newest first.
func (b *boardImpl) RecentCycles(n int) []*models.ReasoningCycle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || len(b.history) == 0 {
		return nil
	}
	if n > len(b.history) {
		n = len(b.history)
	}
	out := make([]*models.ReasoningCycle, 0, n)
	for i := len(b.history) - 1; i >= len(b.history)-n; i-- {
		out = append(out, b.history[i])
	}
	return out
}
