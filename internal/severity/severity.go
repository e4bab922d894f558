package severity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package severity turns raw findings into context-weighted 0-10 scores.
//
// Per finding: base = a + b·confidence from a per-issue-type curve, then a
// weighted context delta over seven factors, clamped to [-0.4, 0.6], applied
// multiplicatively. Every score carries a compact vector string for audit.

// curve is the linear base-score curve for one issue type.
type curve struct {
	a float64
	b float64
}

var baseCurves = map[string]curve{
	string(models.AnomalyMissingStep):               {a: 6.0, b: 2.5},
	string(models.AnomalySequenceViolation):         {a: 5.0, b: 2.0},
	string(models.AnomalyWorkflowDelay):             {a: 4.0, b: 2.0},
	string(models.AnomalySustainedResourceCritical): {a: 6.5, b: 2.5},
	string(models.AnomalySustainedResourceWarning):  {a: 4.0, b: 2.0},
	string(models.AnomalyResourceDrift):             {a: 3.0, b: 2.0},
	string(models.AnomalyBaselineDeviation):         {a: 3.5, b: 2.0},
	string(models.AnomalyHighChurnPR):               {a: 3.5, b: 2.0},
	string(models.AnomalyLowTestCoverage):           {a: 3.0, b: 2.0},
	string(models.AnomalyHighComplexityHint):        {a: 3.0, b: 2.0},
	string(models.AnomalyHotspotFileChange):         {a: 4.0, b: 2.0},
	string(models.ViolationSilent):                  {a: 5.5, b: 2.5},
}

var defaultCurve = curve{a: 3.0, b: 2.0}

// Context factor weights. They sum to 1; each factor value lives in [-1, 1].
var factorWeights = []struct {
	name   string
	abbrev string
	weight float64
}{
	{name: "asset_criticality", abbrev: "AST", weight: 0.20},
	{name: "data_sensitivity", abbrev: "SEN", weight: 0.18},
	{name: "time_of_day", abbrev: "TOD", weight: 0.12},
	{name: "actor_role", abbrev: "ACT", weight: 0.15},
	{name: "repetition", abbrev: "REP", weight: 0.10},
	{name: "blast_radius", abbrev: "BLA", weight: 0.15},
	{name: "module_criticality", abbrev: "MOD", weight: 0.10},
}

// Context carries the per-cycle signals the engine weighs per finding.
type Context struct {
	// Entity the finding was attributed to; "unknown" means low-context
	// and all entity-derived factors stay neutral.
	Entity string

	// AssetCriticality, DataSensitivity, ActorRisk, BlastRadius and
	// ModuleCriticality are resolved per entity in [-1, 1].
	AssetCriticality  float64
	DataSensitivity   float64
	ActorRisk         float64
	BlastRadius       float64
	ModuleCriticality float64

	// AfterHours marks the finding as happening outside business hours.
	AfterHours bool

	// Repetitions counts same-type findings in the current cycle.
	Repetitions int
}

// Engine scores findings.
type Engine interface {
	// ScoreCycle scores every anomaly and policy hit on the open cycle and
	// records the scores on the blackboard.
	ScoreCycle(cycleID string, board blackboard.Blackboard, resolve func(entity string) Context) error

	// Score computes one score without touching the blackboard.
	Score(issueType string, confidence float64, evidence []string, ctx Context) models.SeverityScore
}

type engineImpl struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds the severity engine.
func NewEngine(logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engineImpl{logger: logger, now: time.Now}
}

func (e *engineImpl) ScoreCycle(cycleID string, board blackboard.Blackboard, resolve func(entity string) Context) error {
	anomalies := board.CurrentAnomalies()
	hits := board.CurrentPolicyHits()

	typeCounts := map[string]int{}
	for _, a := range anomalies {
		typeCounts[string(a.Type)]++
	}
	for _, h := range hits {
		typeCounts[string(h.ViolationType)]++
	}

	for _, a := range anomalies {
		ctx := e.resolveWith(resolve, a.Description)
		ctx.Repetitions = typeCounts[string(a.Type)] - 1
		score := e.Score(string(a.Type), a.Confidence, a.Evidence, ctx)
		score.SourceType = "anomaly"
		score.SourceID = a.AnomalyID
		if err := board.AddSeverityScore(cycleID, score); err != nil {
			return err
		}
		metrics.FindingsTotal.WithLabelValues("severity", "score").Inc()
	}
	for _, h := range hits {
		ctx := e.resolveWith(resolve, h.Description)
		ctx.Repetitions = typeCounts[string(h.ViolationType)] - 1
		score := e.Score(string(h.ViolationType), 1.0, []string{h.EventID}, ctx)
		score.SourceType = "policy_hit"
		score.SourceID = h.HitID
		score.IssueType = h.PolicyID
		if err := board.AddSeverityScore(cycleID, score); err != nil {
			return err
		}
		metrics.FindingsTotal.WithLabelValues("severity", "score").Inc()
	}
	return nil
}

func (e *engineImpl) resolveWith(resolve func(entity string) Context, description string) Context {
	if resolve == nil {
		return Context{Entity: "unknown"}
	}
	return resolve(description)
}

func (e *engineImpl) Score(issueType string, confidence float64, evidence []string, ctx Context) models.SeverityScore {
	c, ok := baseCurves[issueType]
	if !ok {
		c = defaultCurve
	}
	base := c.a + c.b*confidence

	factors := ctx.factorValues()
	var delta float64
	for i, fw := range factorWeights {
		delta += fw.weight * factors[i]
	}
	delta = clamp(delta, -0.4, 0.6)

	final := clamp(base*(1+delta), 0, 10)

	recorded := map[string]float64{}
	var vec []string
	for i, fw := range factorWeights {
		recorded[fw.name] = factors[i]
		vec = append(vec, fmt.Sprintf("%s:%.2f", fw.abbrev, factors[i]))
	}

	return models.SeverityScore{
		ScoreID:         models.NewID(models.PrefixSeverity),
		IssueType:       issueType,
		BaseScore:       base,
		FinalScore:      final,
		Label:           LabelFor(final),
		Vector:          strings.Join(vec, "/"),
		EscalationState: escalationFor(final),
		ContextFactors:  recorded,
		EvidenceIDs:     append([]string(nil), evidence...),
		Timestamp:       e.now(),
	}
}

// factorValues returns the seven factor values in factorWeights order.
func (c Context) factorValues() []float64 {
	tod := 0.0
	if c.AfterHours {
		tod = 1.0
	}
	rep := clamp(float64(c.Repetitions)/5.0, 0, 1)
	return []float64{
		clamp(c.AssetCriticality, -1, 1),
		clamp(c.DataSensitivity, -1, 1),
		tod,
		clamp(c.ActorRisk, -1, 1),
		rep,
		clamp(c.BlastRadius, -1, 1),
		clamp(c.ModuleCriticality, -1, 1),
	}
}

// LabelFor maps a final score to its severity band.
func LabelFor(final float64) models.SeverityLabel {
	switch {
	case final >= 9:
		return models.SeverityCritical
	case final >= 7:
		return models.SeverityHigh
	case final >= 4:
		return models.SeverityMedium
	case final > 0:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}

func escalationFor(final float64) models.EscalationState {
	switch {
	case final >= 9:
		return models.EscalationIncident
	case final >= 7.5:
		return models.EscalationViolation
	case final >= 6:
		return models.EscalationAtRisk
	case final >= 4:
		return models.EscalationDegraded
	case final > 0:
		return models.EscalationNormal
	default:
		return models.EscalationInfo
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TopScores returns the n highest final scores, descending.
func TopScores(scores []models.SeverityScore, n int) []models.SeverityScore {
	out := make([]models.SeverityScore, len(scores))
	copy(out, scores)
	sort.Slice(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
