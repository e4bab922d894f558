package severity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/models"
)

func TestScoreBaseCurve(t *testing.T) {
	eng := NewEngine(nil)

	// MISSING_STEP at 0.95 confidence: 6.0 + 2.5*0.95 = 8.375 with a
	// neutral context.
	score := eng.Score(string(models.AnomalyMissingStep), 0.95, []string{"ev_1"}, Context{Entity: "unknown"})
	if math.Abs(score.BaseScore-8.375) > 1e-9 {
		t.Errorf("base = %v, want 8.375", score.BaseScore)
	}
	if math.Abs(score.FinalScore-8.375) > 1e-9 {
		t.Errorf("final = %v, want 8.375 with neutral context", score.FinalScore)
	}
	if score.Label != models.SeverityHigh {
		t.Errorf("label = %s, want High", score.Label)
	}
}

func TestScoreSilentViolationCurve(t *testing.T) {
	eng := NewEngine(nil)

	// SILENT at confidence 1.0: 5.5 + 2.5 = 8.0.
	score := eng.Score(string(models.ViolationSilent), 1.0, []string{"ev_1"}, Context{Entity: "unknown"})
	if math.Abs(score.BaseScore-8.0) > 1e-9 {
		t.Errorf("base = %v, want 8.0", score.BaseScore)
	}
}

func TestScoreUnknownTypeUsesDefaultCurve(t *testing.T) {
	eng := NewEngine(nil)
	score := eng.Score("NEVER_SEEN", 0.5, []string{"ev_1"}, Context{Entity: "unknown"})
	if math.Abs(score.BaseScore-4.0) > 1e-9 {
		t.Errorf("base = %v, want 4.0 from default curve", score.BaseScore)
	}
}

func TestScoreContextRaisesAndBounds(t *testing.T) {
	eng := NewEngine(nil)

	hot := Context{
		Entity:            "db_payments",
		AssetCriticality:  1,
		DataSensitivity:   1,
		ActorRisk:         1,
		BlastRadius:       1,
		ModuleCriticality: 1,
		AfterHours:        true,
		Repetitions:       10,
	}
	cold := Context{
		Entity:            "vm_scratch",
		AssetCriticality:  -1,
		DataSensitivity:   -1,
		ActorRisk:         -1,
		BlastRadius:       -1,
		ModuleCriticality: -1,
	}

	base := eng.Score(string(models.AnomalyResourceDrift), 0.6, []string{"m_1"}, Context{Entity: "unknown"})
	up := eng.Score(string(models.AnomalyResourceDrift), 0.6, []string{"m_1"}, hot)
	down := eng.Score(string(models.AnomalyResourceDrift), 0.6, []string{"m_1"}, cold)

	if !(up.FinalScore > base.FinalScore && base.FinalScore > down.FinalScore) {
		t.Errorf("context ordering broken: up=%v base=%v down=%v",
			up.FinalScore, base.FinalScore, down.FinalScore)
	}
	// Delta clamp: at most +60% and -40% of base.
	if up.FinalScore > base.FinalScore*1.6+1e-9 {
		t.Errorf("positive delta exceeded clamp: %v vs base %v", up.FinalScore, base.FinalScore)
	}
	if down.FinalScore < base.FinalScore*0.6-1e-9 {
		t.Errorf("negative delta exceeded clamp: %v vs base %v", down.FinalScore, base.FinalScore)
	}
}

func TestScoreAlwaysInRange(t *testing.T) {
	eng := NewEngine(nil)
	types := []string{
		string(models.AnomalyMissingStep),
		string(models.AnomalySustainedResourceCritical),
		string(models.ViolationSilent),
		"UNKNOWN_TYPE",
	}
	contexts := []Context{
		{Entity: "unknown"},
		{Entity: "db_x", AssetCriticality: 1, DataSensitivity: 1, ActorRisk: 1, BlastRadius: 1, ModuleCriticality: 1, AfterHours: true, Repetitions: 100},
		{Entity: "vm_y", AssetCriticality: -1, DataSensitivity: -1, ActorRisk: -1, BlastRadius: -1, ModuleCriticality: -1},
	}
	for _, typ := range types {
		for _, conf := range []float64{0, 0.25, 0.5, 0.75, 1.0} {
			for _, ctx := range contexts {
				s := eng.Score(typ, conf, []string{"e"}, ctx)
				if s.FinalScore < 0 || s.FinalScore > 10 {
					t.Errorf("Score(%s, %v) final %v out of [0, 10]", typ, conf, s.FinalScore)
				}
			}
		}
	}
}

func TestLabelBands(t *testing.T) {
	cases := []struct {
		score float64
		want  models.SeverityLabel
	}{
		{9.5, models.SeverityCritical},
		{9.0, models.SeverityCritical},
		{8.9, models.SeverityHigh},
		{7.0, models.SeverityHigh},
		{5.0, models.SeverityMedium},
		{4.0, models.SeverityMedium},
		{1.0, models.SeverityLow},
		{0.0, models.SeverityNone},
	}
	for _, tc := range cases {
		if got := LabelFor(tc.score); got != tc.want {
			t.Errorf("LabelFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestScoreCycleScoresAllFindings(t *testing.T) {
	ctx := context.Background()
	board := blackboard.New(nil, nil, nil)
	cycleID, err := board.StartCycle(ctx)
	if err != nil {
		t.Fatalf("StartCycle: %v", err)
	}

	err = board.AddAnomaly(cycleID, models.Anomaly{
		Type:        models.AnomalyMissingStep,
		Agent:       "workflow",
		Evidence:    []string{"ev_1"},
		Description: "workflow wf_deploy_1 missing approval",
		Confidence:  0.95,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("AddAnomaly: %v", err)
	}
	err = board.AddPolicyHit(cycleID, models.PolicyHit{
		PolicyID:      "NO_AFTER_HOURS_WRITE",
		EventID:       "ev_2",
		ViolationType: models.ViolationSilent,
		Agent:         "compliance",
		Description:   "write at 02:15",
		Timestamp:     time.Now(),
	})
	if err != nil {
		t.Fatalf("AddPolicyHit: %v", err)
	}

	eng := NewEngine(nil)
	if err := eng.ScoreCycle(cycleID, board, nil); err != nil {
		t.Fatalf("ScoreCycle: %v", err)
	}

	scores := board.CurrentSeverityScores()
	if len(scores) != 2 {
		t.Fatalf("scores = %d, want 2", len(scores))
	}
	bySource := map[string]models.SeverityScore{}
	for _, s := range scores {
		bySource[s.SourceType] = s
	}
	if _, ok := bySource["anomaly"]; !ok {
		t.Error("anomaly not scored")
	}
	hitScore, ok := bySource["policy_hit"]
	if !ok {
		t.Fatal("policy hit not scored")
	}
	// Policy-hit scores carry the policy id as their issue type but are
	// scored with the SILENT curve at confidence 1.0.
	if hitScore.IssueType != "NO_AFTER_HOURS_WRITE" {
		t.Errorf("issue type = %s, want NO_AFTER_HOURS_WRITE", hitScore.IssueType)
	}
	if math.Abs(hitScore.BaseScore-8.0) > 1e-9 {
		t.Errorf("policy hit base = %v, want 8.0", hitScore.BaseScore)
	}
}

func TestTopScores(t *testing.T) {
	scores := []models.SeverityScore{
		{ScoreID: "a", FinalScore: 3},
		{ScoreID: "b", FinalScore: 9},
		{ScoreID: "c", FinalScore: 6},
	}
	top := TopScores(scores, 2)
	if len(top) != 2 || top[0].ScoreID != "b" || top[1].ScoreID != "c" {
		t.Errorf("TopScores = %v", top)
	}
	// Input slice untouched.
	if scores[0].ScoreID != "a" {
		t.Error("TopScores mutated its input")
	}
}
