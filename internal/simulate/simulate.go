package simulate

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package simulate is the read-only what-if engine. It projects a scenario's
// effect onto the compact state of the last closed cycle and never writes to
// the observation layer. Recording the run on the blackboard is optional and
// only happens while a cycle is open.

// Scenario kinds.
const (
	KindLatencySpike    = "LATENCY_SPIKE"
	KindWorkloadSurge   = "WORKLOAD_SURGE"
	KindComplianceRelax = "COMPLIANCE_RELAX"
)

// slaAffecting marks anomaly types that count as SLA-affecting for the
// simulator's baseline.
var slaAffecting = map[models.AnomalyType]bool{
	models.AnomalyWorkflowDelay:             true,
	models.AnomalySustainedResourceCritical: true,
	models.AnomalySustainedResourceWarning:  true,
}

// Modifiers are the context switches applied after the per-kind deltas.
type Modifiers struct {
	AfterHours     bool `json:"after_hours"`
	CriticalModule bool `json:"critical_module"`
	AdminActor     bool `json:"admin_actor"`
}

// Simulator evaluates counterfactual scenarios.
type Simulator interface {
	// Run evaluates one scenario against the last closed cycle. Unknown
	// kinds fall back to a conservative generic projection.
	Run(kind string, params map[string]float64, mods Modifiers) models.ScenarioRun
}

type simulatorImpl struct {
	board  blackboard.Blackboard
	logger *zap.Logger
	now    func() time.Time
}

// New builds the simulator on top of the blackboard's closed-cycle history.
func New(board blackboard.Blackboard, logger *zap.Logger) Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &simulatorImpl{board: board, logger: logger, now: time.Now}
}

func (s *simulatorImpl) Run(kind string, params map[string]float64, mods Modifiers) models.ScenarioRun {
	p := normalize(params)
	baseline := s.baseline()
	simulated := baseline
	var assumptions []string
	confidence := 0.7

	switch kind {
	case KindLatencySpike:
		simulated.SLAViolations += int(math.Ceil(p.magnitude * 5))
		simulated.RiskIndex = math.Min(100, baseline.RiskIndex+25*p.magnitude)
		assumptions = append(assumptions,
			fmt.Sprintf("LATENCY_SPIKE magnitude %.2f raises latency across all workflow steps", p.magnitude))
	case KindWorkloadSurge:
		simulated.SLAViolations += int(math.Ceil(p.multiplier))
		simulated.RiskIndex = math.Min(100, baseline.RiskIndex+10*p.multiplier)
		assumptions = append(assumptions,
			fmt.Sprintf("WORKLOAD_SURGE multiplier %.1fx applied to current throughput", p.multiplier))
	case KindComplianceRelax:
		extraHits := int(math.Ceil(p.minutesExtension / 120))
		simulated.PolicyHits += extraHits
		simulated.RiskIndex = math.Min(100, baseline.RiskIndex+float64(5*extraHits))
		assumptions = append(assumptions,
			fmt.Sprintf("COMPLIANCE_RELAX extends the allowed window by %.0f minutes", p.minutesExtension))
		confidence = 0.6
	default:
		simulated.RiskIndex = math.Min(100, baseline.RiskIndex+10)
		assumptions = append(assumptions,
			fmt.Sprintf("unknown scenario %q projected with a conservative generic uplift", kind))
		confidence = 0.4
	}

	if mods.AfterHours {
		simulated.RiskIndex = math.Min(100, simulated.RiskIndex+5)
		assumptions = append(assumptions, "after-hours context adds response-time risk")
	}
	if mods.CriticalModule {
		simulated.RiskIndex = math.Min(100, simulated.RiskIndex+8)
		assumptions = append(assumptions, "critical module in scope widens the blast radius")
	}
	if mods.AdminActor {
		simulated.PolicyHits++
		assumptions = append(assumptions, "admin actor can bypass one compensating control")
	}

	impact := impactScore(baseline, simulated)
	run := models.ScenarioRun{
		RunID:       models.NewID(models.PrefixScenario),
		Kind:        kind,
		Parameters:  map[string]float64{"magnitude": p.magnitude, "multiplier": p.multiplier, "minutes_extension": p.minutesExtension},
		Baseline:    baseline,
		Simulated:   simulated,
		ImpactScore: impact,
		Assumptions: assumptions,
		Confidence:  confidence,
		Reason: fmt.Sprintf("%s projects SLA violations %d->%d, policy hits %d->%d, risk %.0f->%.0f",
			kind, baseline.SLAViolations, simulated.SLAViolations,
			baseline.PolicyHits, simulated.PolicyHits,
			baseline.RiskIndex, simulated.RiskIndex),
		Timestamp: s.now(),
	}

	// Best-effort record; absent an open cycle the run is still returned.
	if cycleID, ok := s.board.CurrentCycleID(); ok {
		if err := s.board.AddScenarioRun(cycleID, run); err != nil {
			s.logger.Debug("scenario run not recorded", zap.Error(err))
		}
	}
	return run
}

// baseline reads the compact state off the last closed cycle.
func (s *simulatorImpl) baseline() models.SimulationState {
	recent := s.board.RecentCycles(1)
	if len(recent) == 0 {
		return models.SimulationState{}
	}
	c := recent[0]
	state := models.SimulationState{PolicyHits: len(c.PolicyHits)}
	for _, a := range c.Anomalies {
		if slaAffecting[a.Type] {
			state.SLAViolations++
		}
	}
	maxRank := 0
	for _, sig := range c.RiskSignals {
		if r := sig.ProjectedState.Rank(); r > maxRank {
			maxRank = r
		}
	}
	state.RiskIndex = float64(maxRank) * 25
	return state
}

// impactScore weighs the three deltas on 0-100.
func impactScore(base, sim models.SimulationState) float64 {
	slaDelta := float64(sim.SLAViolations-base.SLAViolations) / 5
	hitDelta := float64(sim.PolicyHits-base.PolicyHits) / 5
	riskDelta := (sim.RiskIndex - base.RiskIndex) / 100
	score := 40*clamp01(slaDelta) + 30*clamp01(hitDelta) + 30*clamp01(riskDelta)
	return math.Min(100, math.Max(0, score))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type normalized struct {
	magnitude        float64
	multiplier       float64
	minutesExtension float64
}

// normalize clamps parameters to their documented ranges and fills defaults.
func normalize(params map[string]float64) normalized {
	get := func(key, alt string, def, lo, hi float64) float64 {
		v, ok := params[key]
		if !ok && alt != "" {
			v, ok = params[alt]
		}
		if !ok {
			return def
		}
		return math.Max(lo, math.Min(hi, v))
	}
	return normalized{
		magnitude:        get("magnitude", "", 1.0, 0, 2),
		multiplier:       get("multiplier", "factor", 2.0, 1, 6),
		minutesExtension: get("minutes_extension", "minutes", 0, 0, 720),
	}
}
