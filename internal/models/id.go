package models

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes, one per record kind.
const (
	PrefixCycle          = "cycle_"
	PrefixEvent          = "evt_"
	PrefixMetric         = "met_"
	PrefixAnomaly        = "anom_"
	PrefixPolicyHit      = "hit_"
	PrefixRiskSignal     = "risk_"
	PrefixCausalLink     = "cause_"
	PrefixHypothesis     = "hyp_"
	PrefixFact           = "fact_"
	PrefixRecommendation = "rec_"
	PrefixSeverity       = "sev_"
	PrefixScenario       = "scn_"
	PrefixInsight        = "ins_"
)

// NewID returns a short, collision-resistant identifier with a kind prefix,
// e.g. "anom_9f1c2ab34de5".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:12]
}
