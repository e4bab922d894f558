package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/db"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// EntityRiskProfile tracks one entity's accumulated issue counts across
// cycles.
type EntityRiskProfile struct {
	Entity           string
	EntityType       models.EntityType
	CurrentState     models.RiskState
	AnomalyCount     int
	PolicyHitCount   int
	WorstHitSeverity string
	EvidenceIDs      []string
}

// weightedCount applies the policy-hit double weight.
func (p *EntityRiskProfile) weightedCount() int {
	return p.AnomalyCount + 2*p.PolicyHitCount
}

// riskForecastAgent projects per-entity risk forward on the five-state
// ladder. Profiles are the agent's cross-cycle state, guarded by its lock
// and optionally persisted for warm restart.
type riskForecastAgent struct {
	mu       sync.Mutex
	profiles map[string]*EntityRiskProfile
	history  db.RiskHistoryStore
	logger   *zap.Logger
	now      func() time.Time
}

// RiskForecaster is the dependent-lane contract: Agent plus profile access
// for the simulator and warm restart.
type RiskForecaster interface {
	Agent

	// Restore reloads persisted risk positions. Called once at startup.
	Restore(ctx context.Context) error

	// CurrentState reports the last-known state for an entity.
	CurrentState(entity string) models.RiskState
}

// NewRiskForecastAgent builds the risk-forecast agent. history may be nil.
func NewRiskForecastAgent(history db.RiskHistoryStore, logger *zap.Logger) RiskForecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &riskForecastAgent{
		profiles: map[string]*EntityRiskProfile{},
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *riskForecastAgent) Name() string { return "riskforecast" }

// Restore reloads risk positions saved by earlier runs so forecasts stay
// monotone across restarts.
func (a *riskForecastAgent) Restore(ctx context.Context) error {
	if a.history == nil {
		return nil
	}
	records, err := a.history.LoadRiskStates(ctx)
	if err != nil {
		return fmt.Errorf("restore risk profiles: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		a.profiles[rec.Entity] = &EntityRiskProfile{
			Entity:         rec.Entity,
			EntityType:     models.EntityType(rec.EntityType),
			CurrentState:   rec.CurrentState,
			AnomalyCount:   rec.AnomalyCount,
			PolicyHitCount: rec.PolicyHitCount,
		}
	}
	a.logger.Info("risk profiles restored", zap.Int("entities", len(records)))
	return nil
}

func (a *riskForecastAgent) CurrentState(entity string) models.RiskState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.profiles[entity]; ok {
		return p.CurrentState
	}
	return models.RiskNormal
}

// Analyze attributes this cycle's anomalies and policy hits to entities,
// projects each entity's next state, and emits a signal only on strict
// escalation.
func (a *riskForecastAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	anomalies := board.CurrentAnomalies()
	hits := board.CurrentPolicyHits()

	a.mu.Lock()
	defer a.mu.Unlock()

	touched := map[string]bool{}
	for _, anom := range anomalies {
		entity, etype := ExtractEntity(anom.Description)
		p := a.profile(entity, etype)
		p.AnomalyCount++
		p.EvidenceIDs = append(p.EvidenceIDs, anom.AnomalyID)
		touched[entity] = true
	}
	for _, hit := range hits {
		entity, etype := ExtractEntity(hit.Description)
		if entity == "unknown" {
			// Policy hits carry their own subject when the description
			// has no recognizable token.
			entity, etype = hit.PolicyID, models.EntityPolicy
		}
		p := a.profile(entity, etype)
		p.PolicyHitCount++
		if sev := policySeverity(hit.PolicyID); severityRank(sev) > severityRank(p.WorstHitSeverity) {
			p.WorstHitSeverity = sev
		}
		p.EvidenceIDs = append(p.EvidenceIDs, hit.HitID)
		touched[entity] = true
	}

	entities := make([]string, 0, len(touched))
	for e := range touched {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	for _, entity := range entities {
		p := a.profiles[entity]
		projected := projectState(p.weightedCount())
		if floor := severityFloor(p.WorstHitSeverity); floor.Rank() > projected.Rank() {
			projected = floor
		}
		if projected.Rank() <= p.CurrentState.Rank() {
			continue
		}
		conf := math.Min(0.95, 0.5+0.1*float64(p.AnomalyCount)+0.1*float64(p.PolicyHitCount))
		signal := models.RiskSignal{
			SignalID:       models.NewID(models.PrefixRiskSignal),
			Entity:         entity,
			EntityType:     p.EntityType,
			CurrentState:   p.CurrentState,
			ProjectedState: projected,
			Confidence:     conf,
			TimeHorizon:    horizonFor(p.weightedCount()),
			Reasoning: fmt.Sprintf("%d anomalies and %d policy hits attributed to %s push it from %s toward %s",
				p.AnomalyCount, p.PolicyHitCount, entity, p.CurrentState, projected),
			EvidenceIDs: append([]string(nil), p.EvidenceIDs...),
			Timestamp:   a.now(),
		}
		if err := board.AddRiskSignal(in.CycleID, signal); err != nil {
			return err
		}
		metrics.FindingsTotal.WithLabelValues(a.Name(), "risk_signal").Inc()

		p.CurrentState = projected
		a.persist(ctx, p)
	}
	return ctx.Err()
}

func (a *riskForecastAgent) profile(entity string, etype models.EntityType) *EntityRiskProfile {
	p := a.profiles[entity]
	if p == nil {
		p = &EntityRiskProfile{Entity: entity, EntityType: etype, CurrentState: models.RiskNormal}
		a.profiles[entity] = p
	}
	return p
}

// persist is best-effort; forecast correctness never depends on the store.
func (a *riskForecastAgent) persist(ctx context.Context, p *EntityRiskProfile) {
	if a.history == nil {
		return
	}
	rec := &db.RiskHistoryRecord{
		Entity:         p.Entity,
		EntityType:     string(p.EntityType),
		CurrentState:   p.CurrentState,
		AnomalyCount:   p.AnomalyCount,
		PolicyHitCount: p.PolicyHitCount,
		UpdatedAt:      a.now(),
	}
	if err := a.history.SaveRiskState(ctx, rec); err != nil {
		metrics.DurableWriteFailures.Inc()
		a.logger.Warn("risk profile persist failed", zap.String("entity", p.Entity), zap.Error(err))
	}
}

// projectState maps the weighted issue count onto the risk ladder.
func projectState(weighted int) models.RiskState {
	switch {
	case weighted >= 7:
		return models.RiskIncident
	case weighted >= 5:
		return models.RiskViolation
	case weighted >= 3:
		return models.RiskAtRisk
	case weighted >= 1:
		return models.RiskDegraded
	default:
		return models.RiskNormal
	}
}

// policySeverities indexes the shipped policy set by id.
var policySeverities = func() map[string]string {
	m := make(map[string]string)
	for _, p := range DefaultPolicySet() {
		m[p.PolicyID] = p.Severity
	}
	return m
}()

// policySeverity reports the severity of a shipped policy. Unknown policies
// rate MEDIUM.
func policySeverity(policyID string) string {
	if s, ok := policySeverities[policyID]; ok {
		return s
	}
	return "MEDIUM"
}

func severityRank(severity string) int {
	switch severity {
	case "CRITICAL":
		return 4
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	case "LOW":
		return 1
	}
	return 0
}

// severityFloor maps the worst policy severity attributed to an entity onto
// a minimum projection. A hit from a CRITICAL or HIGH policy is a violation
// on its own, regardless of hit volume.
func severityFloor(worst string) models.RiskState {
	if severityRank(worst) >= severityRank("HIGH") {
		return models.RiskViolation
	}
	return models.RiskNormal
}

// horizonFor buckets the weighted issue count into a human-readable window.
// More accumulated issues mean a shorter horizon.
func horizonFor(weighted int) string {
	switch {
	case weighted >= 5:
		return "5-10 min"
	case weighted >= 3:
		return "10-15 min"
	default:
		return "15-30 min"
	}
}
