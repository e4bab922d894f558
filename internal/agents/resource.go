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

// MetricThreshold is the warning/critical pair for one metric name.
type MetricThreshold struct {
	Warning  float64
	Critical float64
}

// DefaultThresholds covers the shipped metric vocabulary.
func DefaultThresholds() map[string]MetricThreshold {
	return map[string]MetricThreshold{
		"cpu_usage":    {Warning: 70, Critical: 90},
		"memory_usage": {Warning: 75, Critical: 92},
		"disk_usage":   {Warning: 80, Critical: 95},
		"latency_ms":   {Warning: 200, Critical: 500},
		"error_rate":   {Warning: 2, Critical: 5},
	}
}

// sustainedSamples is the minimum number of consecutive over-threshold
// samples for a sustained breach finding.
const sustainedSamples = 3

// driftMinSamples is the minimum window size before the first-third vs
// last-third trend comparison is meaningful.
const driftMinSamples = 6

// driftRatio triggers a drift finding when the last-third mean reaches this
// multiple of the first-third mean.
const driftRatio = 1.3

// resourceAgent watches recent metric samples for sustained threshold
// breaches, rolling drift, and correlated multi-resource saturation.
// Stateless: every cycle works on the snapshot alone.
type resourceAgent struct {
	thresholds map[string]MetricThreshold
	logger     *zap.Logger
	now        func() time.Time
}

// NewResourceAgent builds the resource detection agent.
func NewResourceAgent(thresholds map[string]MetricThreshold, logger *zap.Logger) Agent {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &resourceAgent{thresholds: thresholds, logger: logger, now: time.Now}
}

func (a *resourceAgent) Name() string { return "resource" }

type seriesKey struct {
	resource string
	metric   string
}

func (a *resourceAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	series := map[seriesKey][]*models.ObservedMetric{}
	for _, m := range in.Metrics {
		k := seriesKey{resource: m.ResourceID, metric: m.MetricName}
		series[k] = append(series[k], m)
	}

	keys := make([]seriesKey, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].resource != keys[j].resource {
			return keys[i].resource < keys[j].resource
		}
		return keys[i].metric < keys[j].metric
	})

	breaching := map[string][]string{} // resource → evidence of its worst breach
	for _, k := range keys {
		samples := series[k]
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

		if th, ok := a.thresholds[k.metric]; ok {
			if evidence := a.checkSustained(in.CycleID, k, samples, th, board); len(evidence) > 0 {
				breaching[k.resource] = evidence
			}
		}
		if err := a.checkDrift(in.CycleID, k, samples, board); err != nil {
			return err
		}
	}

	if len(breaching) >= 2 {
		if err := a.emitCorrelation(in.CycleID, breaching, board); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// checkSustained emits a sustained warning/critical anomaly when the trailing
// run of over-threshold samples is long enough. Confidence rises with the
// mean overage relative to the threshold.
func (a *resourceAgent) checkSustained(cycleID string, k seriesKey, samples []*models.ObservedMetric, th MetricThreshold, board blackboard.Blackboard) []string {
	var run []*models.ObservedMetric
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Value < th.Warning {
			break
		}
		run = append([]*models.ObservedMetric{samples[i]}, run...)
	}
	if len(run) < sustainedSamples {
		return nil
	}

	var sum float64
	critical := true
	evidence := make([]string, 0, len(run))
	for _, m := range run {
		sum += m.Value
		if m.Value < th.Critical {
			critical = false
		}
		evidence = append(evidence, m.MetricID)
	}
	mean := sum / float64(len(run))

	kind := models.AnomalySustainedResourceWarning
	ref := th.Warning
	if critical {
		kind = models.AnomalySustainedResourceCritical
		ref = th.Critical
	}
	overage := (mean - ref) / ref
	conf := 0.6 + overage
	if conf > 0.98 {
		conf = 0.98
	}
	if conf < 0.6 {
		conf = 0.6
	}

	anom := models.Anomaly{
		AnomalyID: models.NewID(models.PrefixAnomaly),
		Type:      kind,
		Agent:     a.Name(),
		Evidence:  evidence,
		Description: fmt.Sprintf("%s %s sustained at mean %.1f over %d samples (warning %.0f, critical %.0f)",
			k.resource, k.metric, mean, len(run), th.Warning, th.Critical),
		Confidence: conf,
		Timestamp:  a.now(),
	}
	if err := board.AddAnomaly(cycleID, anom); err != nil {
		a.logger.Warn("resource agent could not record anomaly", zap.Error(err))
		return nil
	}
	metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	return evidence
}

// checkDrift compares the mean of the first third of the window against the
// mean of the last third using float arithmetic throughout.
func (a *resourceAgent) checkDrift(cycleID string, k seriesKey, samples []*models.ObservedMetric, board blackboard.Blackboard) error {
	n := len(samples)
	if n < driftMinSamples {
		return nil
	}
	third := n / 3
	first := samples[:third]
	last := samples[n-third:]

	firstMean := meanOf(first)
	lastMean := meanOf(last)
	if firstMean <= 0 || lastMean < driftRatio*firstMean {
		return nil
	}

	ratio := lastMean / firstMean
	conf := 0.55 + 0.15*(ratio-driftRatio)
	if conf > 0.9 {
		conf = 0.9
	}
	evidence := make([]string, 0, len(first)+len(last))
	for _, m := range first {
		evidence = append(evidence, m.MetricID)
	}
	for _, m := range last {
		evidence = append(evidence, m.MetricID)
	}
	anom := models.Anomaly{
		AnomalyID: models.NewID(models.PrefixAnomaly),
		Type:      models.AnomalyResourceDrift,
		Agent:     a.Name(),
		Evidence:  evidence,
		Description: fmt.Sprintf("%s %s drifting: last-third mean %.1f is %.2fx first-third mean %.1f",
			k.resource, k.metric, lastMean, ratio, firstMean),
		Confidence: conf,
		Timestamp:  a.now(),
	}
	if err := board.AddAnomaly(cycleID, anom); err != nil {
		return err
	}
	metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	return nil
}

// emitCorrelation records a correlated-saturation hypothesis when two or
// more distinct resources breach thresholds inside one cycle.
func (a *resourceAgent) emitCorrelation(cycleID string, breaching map[string][]string, board blackboard.Blackboard) error {
	resources := make([]string, 0, len(breaching))
	var evidence []string
	for r := range breaching {
		resources = append(resources, r)
	}
	sort.Strings(resources)
	for _, r := range resources {
		evidence = append(evidence, breaching[r]...)
	}
	hyp := models.Hypothesis{
		HypothesisID: models.NewID(models.PrefixHypothesis),
		Agent:        a.Name(),
		Statement: fmt.Sprintf("correlated saturation across %d resources (%v); likely shared upstream cause",
			len(resources), resources),
		Confidence:  0.7,
		EvidenceIDs: evidence,
		Timestamp:   a.now(),
	}
	if err := board.AddHypothesis(cycleID, hyp); err != nil {
		return err
	}
	metrics.FindingsTotal.WithLabelValues(a.Name(), "hypothesis").Inc()
	return nil
}

func meanOf(samples []*models.ObservedMetric) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, m := range samples {
		sum += m.Value
	}
	return sum / float64(len(samples))
}
