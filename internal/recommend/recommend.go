package recommend

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/agents"
	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package recommend maps scored findings to actionable recommendation
// records. Rules are keyed by issue type; each rule emits one summary entry
// plus numbered steps, and a generic three-step fallback covers unmatched
// types. Output is sorted (severity desc, confidence desc) and capped.

// maxPerCycle caps recommendation output per cycle.
const maxPerCycle = 40

// StepTemplate is one ordered sub-action of a rule.
type StepTemplate struct {
	ActionCode  string
	Description string
}

// Rule maps one issue type to an action plan.
type Rule struct {
	RuleID         string
	IssueType      string
	ActionCode     string
	ActionDesc     string
	Preconditions  []string
	ExpectedEffect string
	BaseConfidence float64
	// MinSeverity and MaxSeverity bound the final scores the rule fires on.
	MinSeverity float64
	MaxSeverity float64
	Steps       []StepTemplate
}

// DefaultRules is the shipped rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:         "R-MISSING-STEP",
			IssueType:      string(models.AnomalyMissingStep),
			ActionCode:     "BLOCK_AND_REVIEW",
			ActionDesc:     "Block the workflow and route it for manual review",
			Preconditions:  []string{"workflow is still addressable", "a reviewer group exists"},
			ExpectedEffect: "prevents an unapproved change from reaching production",
			BaseConfidence: 0.9,
			MinSeverity:    5, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "FREEZE_WORKFLOW", Description: "Freeze the affected workflow before further steps run"},
				{ActionCode: "NOTIFY_OWNERS", Description: "Notify the workflow owners and the approval group"},
				{ActionCode: "REQUIRE_APPROVAL", Description: "Re-run the skipped approval step with a named approver"},
				{ActionCode: "AUDIT_TRAIL", Description: "Record the bypass and its resolution in the audit trail"},
			},
		},
		{
			RuleID:         "R-SEQ-VIOLATION",
			IssueType:      string(models.AnomalySequenceViolation),
			ActionCode:     "HALT_AND_RESEQUENCE",
			ActionDesc:     "Halt the workflow and replay steps in their defined order",
			ExpectedEffect: "restores the gating order the definition requires",
			BaseConfidence: 0.8,
			MinSeverity:    4, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "HALT_WORKFLOW", Description: "Stop the out-of-order workflow"},
				{ActionCode: "VERIFY_STATE", Description: "Verify no irreversible step ran early"},
				{ActionCode: "RESEQUENCE", Description: "Resume from the last correctly ordered step"},
			},
		},
		{
			RuleID:         "R-WF-DELAY",
			IssueType:      string(models.AnomalyWorkflowDelay),
			ActionCode:     "ESCALATE_STALLED_WORKFLOW",
			ActionDesc:     "Escalate the stalled workflow to its owner",
			ExpectedEffect: "unblocks the workflow before its window closes",
			BaseConfidence: 0.7,
			MinSeverity:    3, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "PING_OWNER", Description: "Page the owner of the stalled workflow"},
				{ActionCode: "CHECK_DEPENDENCIES", Description: "Check upstream resources for saturation"},
			},
		},
		{
			RuleID:         "R-RES-CRITICAL",
			IssueType:      string(models.AnomalySustainedResourceCritical),
			ActionCode:     "SCALE_OUT",
			ActionDesc:     "Add capacity for the saturated resource",
			Preconditions:  []string{"capacity headroom exists in the pool"},
			ExpectedEffect: "brings utilization back under the critical threshold",
			BaseConfidence: 0.85,
			MinSeverity:    5, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "ADD_REPLICAS", Description: "Scale the saturated resource out"},
				{ActionCode: "SHED_LOAD", Description: "Shed non-critical load until utilization recovers"},
				{ActionCode: "VERIFY_RECOVERY", Description: "Confirm utilization holds under the warning threshold"},
			},
		},
		{
			RuleID:         "R-RES-WARNING",
			IssueType:      string(models.AnomalySustainedResourceWarning),
			ActionCode:     "THROTTLE_DEPLOYS",
			ActionDesc:     "Throttle deploys while the resource stays under pressure",
			ExpectedEffect: "keeps pressure from tipping into critical saturation",
			BaseConfidence: 0.75,
			MinSeverity:    3, MaxSeverity: 9,
			Steps: []StepTemplate{
				{ActionCode: "PAUSE_ROLLOUTS", Description: "Pause non-urgent rollouts targeting the resource"},
				{ActionCode: "WATCH_TREND", Description: "Watch the utilization trend for one more cycle"},
			},
		},
		{
			RuleID:         "R-RES-DRIFT",
			IssueType:      string(models.AnomalyResourceDrift),
			ActionCode:     "INVESTIGATE_DRIFT",
			ActionDesc:     "Investigate the upward utilization trend before it breaches",
			ExpectedEffect: "catches a capacity problem while it is still cheap",
			BaseConfidence: 0.6,
			MinSeverity:    2, MaxSeverity: 8,
			Steps: []StepTemplate{
				{ActionCode: "PROFILE_LOAD", Description: "Profile what changed in the resource's load mix"},
				{ActionCode: "PLAN_CAPACITY", Description: "Plan capacity if the trend is organic growth"},
			},
		},
		{
			RuleID:         "R-BASELINE",
			IssueType:      string(models.AnomalyBaselineDeviation),
			ActionCode:     "REVIEW_DEVIATION",
			ActionDesc:     "Review the metric deviation against recent changes",
			ExpectedEffect: "separates regressions from legitimate workload shifts",
			BaseConfidence: 0.6,
			MinSeverity:    2, MaxSeverity: 8,
			Steps: []StepTemplate{
				{ActionCode: "DIFF_CHANGES", Description: "Diff recent deploys and config changes for the entity"},
				{ActionCode: "ADJUST_BASELINE", Description: "Accept the new baseline if the shift is legitimate"},
			},
		},
		{
			RuleID:         "R-AFTER-HOURS",
			IssueType:      "NO_AFTER_HOURS_WRITE",
			ActionCode:     "RESTRICT_AFTER_HOURS_ACCESS",
			ActionDesc:     "Restrict write access outside business hours for the actor",
			ExpectedEffect: "closes the unstaffed review window",
			BaseConfidence: 0.85,
			MinSeverity:    4, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "REVOKE_SESSION", Description: "Revoke the actor's active session"},
				{ActionCode: "REQUIRE_JUSTIFICATION", Description: "Require a justification for the after-hours write"},
				{ActionCode: "TIGHTEN_POLICY", Description: "Move the actor to an hours-bound access profile"},
			},
		},
		{
			RuleID:         "R-SENSITIVE",
			IssueType:      "NO_UNCONTROLLED_SENSITIVE_ACCESS",
			ActionCode:     "ENFORCE_SENSITIVE_WORKFLOW",
			ActionDesc:     "Require a governing workflow for sensitive-resource access",
			ExpectedEffect: "restores the audit chain on sensitive data",
			BaseConfidence: 0.9,
			MinSeverity:    4, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "GATE_RESOURCE", Description: "Gate the sensitive resource behind workflow-scoped credentials"},
				{ActionCode: "REVIEW_ACCESS", Description: "Review what the ungoverned access touched"},
				{ActionCode: "ROTATE_SECRETS", Description: "Rotate credentials the access could have exposed"},
			},
		},
		{
			RuleID:         "R-SVC-WRITE",
			IssueType:      "NO_SVC_ACCOUNT_WRITE",
			ActionCode:     "SCOPE_SERVICE_ACCOUNT",
			ActionDesc:     "Scope the service account back to read-only outside pipelines",
			ExpectedEffect: "returns direct writes to change control",
			BaseConfidence: 0.75,
			MinSeverity:    3, MaxSeverity: 9,
			Steps: []StepTemplate{
				{ActionCode: "AUDIT_TOKEN", Description: "Audit where the service account token is used"},
				{ActionCode: "NARROW_SCOPE", Description: "Narrow the account scope to its pipeline"},
			},
		},
		{
			RuleID:         "R-SKIP-APPROVAL",
			IssueType:      "NO_SKIP_APPROVAL",
			ActionCode:     "BLOCK_AND_REVIEW",
			ActionDesc:     "Block the change and route the skipped approval for review",
			ExpectedEffect: "reinstates the human gate on the change path",
			BaseConfidence: 0.9,
			MinSeverity:    4, MaxSeverity: 10,
			Steps: []StepTemplate{
				{ActionCode: "FREEZE_WORKFLOW", Description: "Freeze the workflow that skipped approval"},
				{ActionCode: "REQUIRE_APPROVAL", Description: "Run the skipped approval with a named approver"},
				{ActionCode: "AUDIT_TRAIL", Description: "Record the skip and its resolution"},
			},
		},
		{
			RuleID:         "R-CHURN",
			IssueType:      string(models.AnomalyHighChurnPR),
			ActionCode:     "SPLIT_CHANGE",
			ActionDesc:     "Split the oversized change into reviewable slices",
			ExpectedEffect: "keeps review quality up on large changes",
			BaseConfidence: 0.65,
			MinSeverity:    2, MaxSeverity: 8,
			Steps: []StepTemplate{
				{ActionCode: "REQUEST_SPLIT", Description: "Ask the author to split the change"},
				{ActionCode: "ADD_REVIEWER", Description: "Add a second reviewer for the remaining bulk"},
			},
		},
		{
			RuleID:         "R-COVERAGE",
			IssueType:      string(models.AnomalyLowTestCoverage),
			ActionCode:     "RAISE_COVERAGE_GATE",
			ActionDesc:     "Hold the deployment until coverage clears the floor",
			ExpectedEffect: "stops under-tested code from shipping",
			BaseConfidence: 0.7,
			MinSeverity:    2, MaxSeverity: 8,
			Steps: []StepTemplate{
				{ActionCode: "HOLD_DEPLOY", Description: "Hold the deployment at the coverage gate"},
				{ActionCode: "ADD_TESTS", Description: "Add tests for the uncovered paths"},
			},
		},
	}
}

// Input is the per-finding scoring context handed to the engine.
type Input struct {
	IssueType       string
	Entity          string
	FinalScore      float64
	ContextBonus    float64 // [0, 1]
	PrimaryEvidence string
	EvidenceIDs     []string
}

// Engine turns scored findings into recommendations.
type Engine interface {
	// RecommendCycle emits recommendations for every severity score on the
	// open cycle, plus an emergency entry when a causal chain ends in a
	// workflow delay while an entity sits at or above AT_RISK.
	RecommendCycle(cycleID string, board blackboard.Blackboard) error
}

type engineImpl struct {
	rules  map[string]Rule
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds the recommendation engine.
func NewEngine(rules []Rule, logger *zap.Logger) Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	indexed := make(map[string]Rule, len(rules))
	for _, r := range rules {
		indexed[r.IssueType] = r
	}
	return &engineImpl{rules: indexed, logger: logger, now: time.Now}
}

func (e *engineImpl) RecommendCycle(cycleID string, board blackboard.Blackboard) error {
	scores := board.CurrentSeverityScores()

	descBySource := map[string]string{}
	for _, a := range board.CurrentAnomalies() {
		descBySource[a.AnomalyID] = a.Description
	}
	for _, h := range board.CurrentPolicyHits() {
		descBySource[h.HitID] = h.Description
	}

	type candidate struct {
		recs []models.RecommendationV2
		sev  float64
		conf float64
	}
	var candidates []candidate
	seen := map[string]bool{}

	for _, s := range scores {
		entity, _ := agents.ExtractEntity(descBySource[s.SourceID])
		in := Input{
			IssueType:    s.IssueType,
			Entity:       entity,
			FinalScore:   s.FinalScore,
			ContextBonus: contextBonus(s),
			EvidenceIDs:  s.EvidenceIDs,
		}
		if len(s.EvidenceIDs) > 0 {
			in.PrimaryEvidence = s.EvidenceIDs[0]
		}
		recs := e.buildFor(in)
		if len(recs) == 0 {
			continue
		}
		key := recs[0].RuleID + "|" + in.IssueType + "|" + in.PrimaryEvidence
		if seen[key] {
			continue
		}
		seen[key] = true
		candidates = append(candidates, candidate{recs: recs, sev: in.FinalScore, conf: recs[0].Confidence})
	}

	if em := e.emergency(board); em != nil {
		candidates = append(candidates, candidate{recs: em, sev: em[0].SeverityScore, conf: em[0].Confidence})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sev != candidates[j].sev {
			return candidates[i].sev > candidates[j].sev
		}
		return candidates[i].conf > candidates[j].conf
	})

	emitted := 0
	for _, c := range candidates {
		for _, rec := range c.recs {
			if emitted >= maxPerCycle {
				return nil
			}
			if err := board.AddRecommendationV2(cycleID, rec); err != nil {
				return err
			}
			metrics.FindingsTotal.WithLabelValues("recommend", "recommendation").Inc()
			emitted++
		}
	}
	return nil
}

// buildFor produces the summary entry plus numbered steps for one finding.
func (e *engineImpl) buildFor(in Input) []models.RecommendationV2 {
	rule, ok := e.rules[in.IssueType]
	if !ok {
		rule = genericRule(in.IssueType)
	}
	if in.FinalScore < rule.MinSeverity || in.FinalScore > rule.MaxSeverity {
		return nil
	}
	conf := roundConfidence(0.5*rule.BaseConfidence + 0.2*(in.FinalScore/10) + 0.3*in.ContextBonus)
	urg := urgencyFor(in.FinalScore)
	ts := e.now()

	out := []models.RecommendationV2{{
		RecID:             models.NewID(models.PrefixRecommendation),
		RuleID:            rule.RuleID,
		IssueType:         in.IssueType,
		Entity:            in.Entity,
		SeverityScore:     in.FinalScore,
		ActionCode:        rule.ActionCode,
		ActionDescription: rule.ActionDesc,
		Confidence:        conf,
		Preconditions:     rule.Preconditions,
		EvidenceIDs:       in.EvidenceIDs,
		ExpectedEffect:    rule.ExpectedEffect,
		Rationale:         fmt.Sprintf("%s scored %.1f/10 for %s", in.IssueType, in.FinalScore, in.Entity),
		Urgency:           urg,
		Step:              0,
		Timestamp:         ts,
	}}
	for i, st := range rule.Steps {
		out = append(out, models.RecommendationV2{
			RecID:             models.NewID(models.PrefixRecommendation),
			RuleID:            rule.RuleID,
			IssueType:         in.IssueType,
			Entity:            in.Entity,
			SeverityScore:     in.FinalScore,
			ActionCode:        st.ActionCode,
			ActionDescription: st.Description,
			Confidence:        conf,
			EvidenceIDs:       in.EvidenceIDs,
			ExpectedEffect:    rule.ExpectedEffect,
			Urgency:           urg,
			Step:              i + 1,
			Timestamp:         ts,
		})
	}
	return out
}

// emergency fires when a causal chain ends in a workflow delay while some
// entity is projected at AT_RISK or worse.
func (e *engineImpl) emergency(board blackboard.Blackboard) []models.RecommendationV2 {
	var delayLink *models.CausalLink
	for _, l := range board.CurrentCausalLinks() {
		if l.Effect == string(models.AnomalyWorkflowDelay) {
			link := l
			delayLink = &link
			break
		}
	}
	if delayLink == nil {
		return nil
	}
	var atRisk *models.RiskSignal
	for _, s := range board.CurrentRiskSignals() {
		if s.ProjectedState.Rank() >= models.RiskAtRisk.Rank() {
			sig := s
			atRisk = &sig
			break
		}
	}
	if atRisk == nil {
		return nil
	}
	ts := e.now()
	evidence := append(append([]string(nil), delayLink.EvidenceIDs...), atRisk.SignalID)
	return []models.RecommendationV2{{
		RecID:             models.NewID(models.PrefixRecommendation),
		RuleID:            "R-EMERGENCY",
		IssueType:         "CASCADING_DEGRADATION",
		Entity:            atRisk.Entity,
		SeverityScore:     9.5,
		ActionCode:        "EMERGENCY_STABILIZE",
		ActionDescription: "Stabilize the cascading failure: relieve the root cause before the workflow window closes",
		Confidence:        roundConfidence(0.5*0.9 + 0.2*0.95 + 0.3*delayLink.Confidence),
		EvidenceIDs:       evidence,
		ExpectedEffect:    "breaks the causal chain between the saturated resource and the stalled workflow",
		Rationale: fmt.Sprintf("causal chain %s -> %s while %s is projected %s",
			delayLink.Cause, delayLink.Effect, atRisk.Entity, atRisk.ProjectedState),
		Urgency:   models.UrgencyCritical,
		Step:      0,
		Timestamp: ts,
	}}
}

func genericRule(issueType string) Rule {
	return Rule{
		RuleID:         "R-GENERIC",
		IssueType:      issueType,
		ActionCode:     "INVESTIGATE_ROOT_CAUSE",
		ActionDesc:     "Investigate the finding's root cause",
		ExpectedEffect: "turns an unclassified finding into an actionable one",
		BaseConfidence: 0.5,
		MinSeverity:    0, MaxSeverity: 10,
		Steps: []StepTemplate{
			{ActionCode: "INVESTIGATE_ROOT_CAUSE", Description: "Trace the finding back to its originating change or load"},
			{ActionCode: "CONTAIN_IMPACT", Description: "Contain the blast radius while the cause is open"},
			{ActionCode: "VERIFY_RECOVERY", Description: "Verify the system returns to baseline after the fix"},
		},
	}
}

func urgencyFor(score float64) models.Urgency {
	switch {
	case score >= 9:
		return models.UrgencyCritical
	case score >= 7:
		return models.UrgencyHigh
	case score >= 4:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}

// contextBonus condenses a score's context factors to [0, 1].
func contextBonus(s models.SeverityScore) float64 {
	if len(s.ContextFactors) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.ContextFactors {
		sum += v
	}
	avg := sum / float64(len(s.ContextFactors))
	if avg < 0 {
		return 0
	}
	if avg > 1 {
		return 1
	}
	return avg
}

func roundConfidence(v float64) float64 {
	return math.Round(math.Min(v, 0.99)*100) / 100
}
