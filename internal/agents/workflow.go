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

// WorkflowStep is one defined step of a canonical workflow.
type WorkflowStep struct {
	Name      string
	Sequence  int
	Mandatory bool
	// Budget is the allowed elapsed time from workflow start until this
	// step should have completed.
	Budget time.Duration
}

// WorkflowDefinition describes the expected shape of a workflow.
type WorkflowDefinition struct {
	Name  string
	Steps []WorkflowStep
}

// DefaultWorkflowDefinition is the shipped deployment workflow. The approval
// step is mandatory; skipping it while later steps complete is the canonical
// missing-step case.
func DefaultWorkflowDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		Name: "deployment",
		Steps: []WorkflowStep{
			{Name: "build", Sequence: 1, Budget: 10 * time.Minute},
			{Name: "test", Sequence: 2, Budget: 20 * time.Minute},
			{Name: "approval", Sequence: 3, Mandatory: true, Budget: 40 * time.Minute},
			{Name: "staging", Sequence: 4, Budget: 50 * time.Minute},
			{Name: "production", Sequence: 5, Budget: 60 * time.Minute},
		},
	}
}

// workflowAgent checks observed workflow event streams against a definition.
// Stateless: every cycle re-derives per-workflow progress from the snapshot.
type workflowAgent struct {
	def    WorkflowDefinition
	logger *zap.Logger
	now    func() time.Time
}

// NewWorkflowAgent builds the workflow detection agent.
func NewWorkflowAgent(def WorkflowDefinition, logger *zap.Logger) Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &workflowAgent{def: def, logger: logger, now: time.Now}
}

func (a *workflowAgent) Name() string { return "workflow" }

// stepCompletion is one completed step extracted from the event stream.
type stepCompletion struct {
	eventID  string
	step     string
	sequence int
	ts       time.Time
}

type workflowProgress struct {
	startedAt   time.Time
	startSeen   bool
	startID     string
	completed   []stepCompletion
	completeEnd bool
}

func (a *workflowAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	byWorkflow := map[string]*workflowProgress{}
	for _, ev := range in.Events {
		if ev.WorkflowID == "" {
			continue
		}
		p := byWorkflow[ev.WorkflowID]
		if p == nil {
			p = &workflowProgress{}
			byWorkflow[ev.WorkflowID] = p
		}
		switch ev.Type {
		case models.EventWorkflowStart:
			p.startSeen = true
			p.startID = ev.EventID
			p.startedAt = ev.Timestamp
		case models.EventWorkflowStepComplete:
			p.completed = append(p.completed, stepCompletion{
				eventID:  ev.EventID,
				step:     metadataString(ev.Metadata, "step"),
				sequence: metadataInt(ev.Metadata, "seq"),
				ts:       ev.Timestamp,
			})
		case models.EventWorkflowComplete:
			p.completeEnd = true
		}
	}

	// Deterministic workflow order keeps finding order stable within the agent.
	ids := make([]string, 0, len(byWorkflow))
	for id := range byWorkflow {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, wfID := range ids {
		p := byWorkflow[wfID]
		if len(p.completed) == 0 {
			continue
		}
		sort.Slice(p.completed, func(i, j int) bool {
			if p.completed[i].sequence != p.completed[j].sequence {
				return p.completed[i].sequence < p.completed[j].sequence
			}
			return p.completed[i].ts.Before(p.completed[j].ts)
		})
		if err := a.checkMissingSteps(in.CycleID, wfID, p, board); err != nil {
			return err
		}
		if err := a.checkSequence(in.CycleID, wfID, p, board); err != nil {
			return err
		}
		if err := a.checkIncomplete(in.CycleID, wfID, p, board); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// checkMissingSteps flags mandatory steps that never completed while a later
// step did.
func (a *workflowAgent) checkMissingSteps(cycleID, wfID string, p *workflowProgress, board blackboard.Blackboard) error {
	maxSeq := 0
	done := map[string]bool{}
	evidence := make([]string, 0, len(p.completed))
	for _, c := range p.completed {
		done[c.step] = true
		if c.sequence > maxSeq {
			maxSeq = c.sequence
		}
		evidence = append(evidence, c.eventID)
	}
	for _, step := range a.def.Steps {
		if !step.Mandatory || done[step.Name] || step.Sequence >= maxSeq {
			continue
		}
		anom := models.Anomaly{
			AnomalyID: models.NewID(models.PrefixAnomaly),
			Type:      models.AnomalyMissingStep,
			Agent:     a.Name(),
			Evidence:  evidence,
			Description: fmt.Sprintf("workflow %s completed step seq=%d without mandatory step %q (seq=%d)",
				wfID, maxSeq, step.Name, step.Sequence),
			Confidence: 0.95,
			Timestamp:  a.now(),
		}
		if err := board.AddAnomaly(cycleID, anom); err != nil {
			return err
		}
		metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	}
	return nil
}

// checkSequence flags consecutive completions whose defined sequence numbers
// decrease.
func (a *workflowAgent) checkSequence(cycleID, wfID string, p *workflowProgress, board blackboard.Blackboard) error {
	byTime := make([]stepCompletion, len(p.completed))
	copy(byTime, p.completed)
	sort.Slice(byTime, func(i, j int) bool { return byTime[i].ts.Before(byTime[j].ts) })

	for i := 1; i < len(byTime); i++ {
		prev, cur := byTime[i-1], byTime[i]
		if cur.sequence >= prev.sequence || cur.sequence == 0 || prev.sequence == 0 {
			continue
		}
		anom := models.Anomaly{
			AnomalyID: models.NewID(models.PrefixAnomaly),
			Type:      models.AnomalySequenceViolation,
			Agent:     a.Name(),
			Evidence:  []string{prev.eventID, cur.eventID},
			Description: fmt.Sprintf("workflow %s completed %q (seq=%d) after %q (seq=%d)",
				wfID, cur.step, cur.sequence, prev.step, prev.sequence),
			Confidence: 0.9,
			Timestamp:  a.now(),
		}
		if err := board.AddAnomaly(cycleID, anom); err != nil {
			return err
		}
		metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	}
	return nil
}

// checkIncomplete flags partially completed workflows that blew their step
// budget without a terminal WORKFLOW_COMPLETE event. Confidence ramps with
// the missing fraction.
func (a *workflowAgent) checkIncomplete(cycleID, wfID string, p *workflowProgress, board blackboard.Blackboard) error {
	total := len(a.def.Steps)
	completed := len(p.completed)
	if p.completeEnd || completed == 0 || completed >= total || !p.startSeen {
		return nil
	}
	elapsed := a.now().Sub(p.startedAt)
	budget := a.budgetFor(completed)
	if elapsed <= budget {
		return nil
	}
	missingFraction := float64(total-completed) / float64(total)
	conf := 0.5 + 0.45*missingFraction
	if conf > 0.95 {
		conf = 0.95
	}
	evidence := []string{p.startID}
	for _, c := range p.completed {
		evidence = append(evidence, c.eventID)
	}
	anom := models.Anomaly{
		AnomalyID: models.NewID(models.PrefixAnomaly),
		Type:      models.AnomalyWorkflowDelay,
		Agent:     a.Name(),
		Evidence:  evidence,
		Description: fmt.Sprintf("workflow %s stalled at %d/%d steps for %s (budget %s)",
			wfID, completed, total, elapsed.Truncate(time.Second), budget),
		Confidence: conf,
		Timestamp:  a.now(),
	}
	if err := board.AddAnomaly(cycleID, anom); err != nil {
		return err
	}
	metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	return nil
}

// budgetFor returns the time budget of the next expected step.
func (a *workflowAgent) budgetFor(completed int) time.Duration {
	if completed < len(a.def.Steps) {
		return a.def.Steps[completed].Budget
	}
	return a.def.Steps[len(a.def.Steps)-1].Budget
}

// ─── Metadata helpers ────────────────────────────────────────────────────────

func metadataString(md map[string]interface{}, key string) string {
	if md == nil {
		return ""
	}
	if s, ok := md[key].(string); ok {
		return s
	}
	return ""
}

func metadataInt(md map[string]interface{}, key string) int {
	if md == nil {
		return 0
	}
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metadataFloat(md map[string]interface{}, key string) (float64, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
