package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Policy is one compliance rule evaluated against every event. Matches
// report true when the event violates the policy.
type Policy struct {
	PolicyID  string
	Name      string
	Severity  string
	Rationale string
	Matches   func(ev *models.ObservedEvent) bool
}

// businessHoursStart and businessHoursEnd bound the allowed write window for
// the after-hours policy (inclusive start, exclusive end).
const (
	businessHoursStart = 9
	businessHoursEnd   = 18
)

var untrustedLocations = map[string]bool{
	"unknown":     true,
	"tor_exit":    true,
	"blocklisted": true,
}

var sensitiveResourceMarkers = []string{"sensitive", "prod_db", "secrets", "credential", "payment"}

func isWrite(t models.EventType) bool {
	return t == models.EventAccessWrite || t == models.EventAccessDelete || t == models.EventConfigChange
}

func isSensitiveResource(resource string) bool {
	lower := strings.ToLower(resource)
	for _, marker := range sensitiveResourceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// DefaultPolicySet is the shipped compliance baseline.
func DefaultPolicySet() []Policy {
	return []Policy{
		{
			PolicyID:  "NO_AFTER_HOURS_WRITE",
			Name:      "No writes outside business hours",
			Severity:  "HIGH",
			Rationale: "Write access outside 09:00-18:00 bypasses the staffed review window",
			Matches: func(ev *models.ObservedEvent) bool {
				if !isWrite(ev.Type) {
					return false
				}
				h := ev.Timestamp.Hour()
				return h < businessHoursStart || h >= businessHoursEnd
			},
		},
		{
			PolicyID:  "NO_UNUSUAL_LOCATION",
			Name:      "No access from untrusted locations",
			Severity:  "HIGH",
			Rationale: "Access tagged with an untrusted location indicates credential misuse",
			Matches: func(ev *models.ObservedEvent) bool {
				loc := metadataString(ev.Metadata, "location")
				return loc != "" && untrustedLocations[strings.ToLower(loc)]
			},
		},
		{
			PolicyID:  "NO_UNCONTROLLED_SENSITIVE_ACCESS",
			Name:      "Sensitive resources require a workflow",
			Severity:  "CRITICAL",
			Rationale: "Sensitive-resource access without a governing workflow has no audit chain",
			Matches: func(ev *models.ObservedEvent) bool {
				switch ev.Type {
				case models.EventAccessRead, models.EventAccessWrite, models.EventAccessDelete, models.EventCredentialAccess:
					return ev.WorkflowID == "" && isSensitiveResource(ev.Resource)
				}
				return false
			},
		},
		{
			PolicyID:  "NO_SVC_ACCOUNT_WRITE",
			Name:      "Service accounts must not write directly",
			Severity:  "MEDIUM",
			Rationale: "Service accounts writing outside pipelines defeat change control",
			Matches: func(ev *models.ObservedEvent) bool {
				return isWrite(ev.Type) && strings.HasPrefix(ev.Actor, "svc_")
			},
		},
		{
			PolicyID:  "NO_SKIP_APPROVAL",
			Name:      "Approval steps must not be skipped",
			Severity:  "CRITICAL",
			Rationale: "A skipped approval removes the human gate from the change path",
			Matches: func(ev *models.ObservedEvent) bool {
				if ev.Type != models.EventWorkflowStepSkip {
					return false
				}
				return strings.Contains(strings.ToLower(metadataString(ev.Metadata, "step")), "approval")
			},
		},
	}
}

// complianceAgent evaluates every event against the policy set. Stateless;
// the blackboard dedupes per (policy_id, event_id).
type complianceAgent struct {
	policies []Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewComplianceAgent builds the compliance detection agent.
func NewComplianceAgent(policies []Policy, logger *zap.Logger) Agent {
	if policies == nil {
		policies = DefaultPolicySet()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &complianceAgent{policies: policies, logger: logger, now: time.Now}
}

func (a *complianceAgent) Name() string { return "compliance" }

func (a *complianceAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	for _, ev := range in.Events {
		for _, p := range a.policies {
			if !p.Matches(ev) {
				continue
			}
			hit := models.PolicyHit{
				HitID:         models.NewID(models.PrefixPolicyHit),
				PolicyID:      p.PolicyID,
				EventID:       ev.EventID,
				ViolationType: models.ViolationSilent,
				Agent:         a.Name(),
				Description: fmt.Sprintf("%s: %s by %s on %s at %s",
					p.PolicyID, ev.Type, ev.Actor, ev.Resource, ev.Timestamp.Format(time.RFC3339)),
				Timestamp: a.now(),
			}
			if err := board.AddPolicyHit(in.CycleID, hit); err != nil {
				return err
			}
			metrics.FindingsTotal.WithLabelValues(a.Name(), "policy_hit").Inc()
		}
	}
	return ctx.Err()
}
