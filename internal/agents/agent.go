package agents

import (
	"context"
	"strings"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package agents contains the reasoning agents invoked by the MCP.
//
// Detection agents (workflow, resource, compliance, baseline, coderisk) run
// in parallel; dependent agents (riskforecast, causal) run sequentially
// afterwards. Agents never call each other; the blackboard is the only
// coordination channel. Each agent is stateful only in narrow, documented
// ways (baseline profiles, entity risk profiles) and protects that state
// with its own lock.

// Inputs is the per-cycle snapshot handed to every agent.
type Inputs struct {
	CycleID string
	Events  []*models.ObservedEvent
	Metrics []*models.ObservedMetric
}

// Agent is the uniform contract for all reasoning agents. Analyze writes its
// findings through the blackboard before returning; the returned error marks
// a transient agent failure that the MCP logs and swallows.
type Agent interface {
	Name() string
	Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error
}

// entityPrefixes are the id shapes recognized by the heuristic entity
// extractor used when a finding does not name its subject directly.
var entityPrefixes = []string{"wf_", "vm_", "svc_", "db_", "node_", "pod_"}

// ExtractEntity scans a description for a known entity token. When nothing
// matches it reports "unknown" rather than guessing; downstream scoring
// treats unknown entities as low-context.
func ExtractEntity(description string) (string, models.EntityType) {
	for _, field := range strings.FieldsFunc(description, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == ';' || r == '(' || r == ')' || r == '"'
	}) {
		for _, prefix := range entityPrefixes {
			if strings.HasPrefix(field, prefix) {
				return field, entityTypeFor(prefix)
			}
		}
	}
	return "unknown", models.EntityUnknown
}

func entityTypeFor(prefix string) models.EntityType {
	switch prefix {
	case "wf_":
		return models.EntityWorkflow
	case "vm_", "db_", "node_", "pod_":
		return models.EntityResource
	case "svc_":
		return models.EntityPolicy
	default:
		return models.EntityUnknown
	}
}
