package observation

import (
	"errors"
	"fmt"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// ErrIngestRejected is returned when an observation fails the
// no-interpretation guard. Nothing is written in that case.
var ErrIngestRejected = errors.New("observation rejected by purity guard")

// forbiddenMetadataKeys are interpretation fields that must never appear at
// the top level of event metadata. Observations are facts; severity and its
// relatives are derived later by the reasoning loop.
var forbiddenMetadataKeys = []string{"severity", "risk", "anomaly", "alert", "priority"}

// checkEventPurity validates an event against the guard.
func checkEventPurity(ev *models.ObservedEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrIngestRejected)
	}
	if !models.ValidEventTypes[ev.Type] {
		return fmt.Errorf("%w: unknown event type %q", ErrIngestRejected, ev.Type)
	}
	for _, key := range forbiddenMetadataKeys {
		if _, found := ev.Metadata[key]; found {
			return fmt.Errorf("%w: metadata key %q carries interpretation", ErrIngestRejected, key)
		}
	}
	return nil
}

// checkMetricPurity validates a metric sample.
func checkMetricPurity(m *models.ObservedMetric) error {
	if m == nil {
		return fmt.Errorf("%w: nil metric", ErrIngestRejected)
	}
	if m.ResourceID == "" || m.MetricName == "" {
		return fmt.Errorf("%w: metric missing resource_id or metric_name", ErrIngestRejected)
	}
	return nil
}
