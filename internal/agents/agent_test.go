package agents

import (
	"testing"

	"github.com/opspulse/opspulse-engine/internal/models"
)

func TestExtractEntity(t *testing.T) {
	cases := []struct {
		description string
		wantEntity  string
		wantType    models.EntityType
	}{
		{"workflow wf_deploy_1 stalled at 2/5 steps", "wf_deploy_1", models.EntityWorkflow},
		{"vm_worker_01 cpu_usage sustained at mean 96.0", "vm_worker_01", models.EntityResource},
		{"NO_SVC_ACCOUNT_WRITE: CONFIG_CHANGE by svc_batch on billing", "svc_batch", models.EntityPolicy},
		{"db_orders latency drifting", "db_orders", models.EntityResource},
		{"(pod_api_7f) restarted", "pod_api_7f", models.EntityResource},
		{"nothing recognizable here", "unknown", models.EntityUnknown},
		{"", "unknown", models.EntityUnknown},
	}
	for _, tc := range cases {
		entity, etype := ExtractEntity(tc.description)
		if entity != tc.wantEntity || etype != tc.wantType {
			t.Errorf("ExtractEntity(%q) = (%s, %s), want (%s, %s)",
				tc.description, entity, etype, tc.wantEntity, tc.wantType)
		}
	}
}
