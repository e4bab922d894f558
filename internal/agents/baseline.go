package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Baseline tuning constants.
const (
	baselineWindow     = 50  // rolling window size per (entity, metric)
	baselineMinSamples = 10  // minimum samples before deviations are scored
	baselineK          = 2.5 // sigma multiplier for the adaptive threshold
	baselineAlpha      = 0.1 // threshold smoothing factor
)

// baselineProfile is the rolling statistical summary for one (entity, metric)
// pair. Values are kept in arrival order; the window trims from the head.
type baselineProfile struct {
	values    []float64
	threshold float64
	seeded    bool
}

func (p *baselineProfile) stats() (mean, stddev float64) {
	n := float64(len(p.values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range p.values {
		sum += v
	}
	mean = sum / n
	var sq float64
	for _, v := range p.values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / n)
	return mean, stddev
}

// observe appends a value after deviation evaluation and refreshes the
// smoothed adaptive threshold.
func (p *baselineProfile) observe(v float64) {
	p.values = append(p.values, v)
	if len(p.values) > baselineWindow {
		p.values = p.values[len(p.values)-baselineWindow:]
	}
	if len(p.values) < baselineMinSamples {
		return
	}
	mean, stddev := p.stats()
	next := mean + baselineK*stddev
	if !p.seeded {
		p.threshold = next
		p.seeded = true
		return
	}
	p.threshold = (1-baselineAlpha)*p.threshold + baselineAlpha*next
}

// baselineAgent learns per-(entity, metric) baselines across cycles and
// flags deviations beyond k sigma. The profile map is the agent's only
// cross-cycle state and is guarded by its own lock.
type baselineAgent struct {
	mu       sync.Mutex
	profiles map[seriesKey]*baselineProfile
	logger   *zap.Logger
	now      func() time.Time
}

// NewBaselineAgent builds the adaptive-baseline detection agent.
func NewBaselineAgent(logger *zap.Logger) Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &baselineAgent{
		profiles: map[seriesKey]*baselineProfile{},
		logger:   logger,
		now:      time.Now,
	}
}

func (a *baselineAgent) Name() string { return "baseline" }

func (a *baselineAgent) Analyze(ctx context.Context, in Inputs, board blackboard.Blackboard) error {
	samples := make([]*models.ObservedMetric, len(in.Metrics))
	copy(samples, in.Metrics)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, m := range samples {
		k := seriesKey{resource: m.ResourceID, metric: m.MetricName}
		p := a.profiles[k]
		if p == nil {
			p = &baselineProfile{}
			a.profiles[k] = p
		}

		// Evaluate against the pre-update baseline so a deviating value
		// cannot dampen the very statistics that should flag it.
		if len(p.values) >= baselineMinSamples {
			mean, stddev := p.stats()
			if stddev > 0 {
				z := math.Abs(m.Value-mean) / stddev
				if z > baselineK {
					if err := a.emitDeviation(in.CycleID, k, m, mean, stddev, z, board); err != nil {
						return err
					}
				}
			}
		}
		p.observe(m.Value)
	}
	return ctx.Err()
}

func (a *baselineAgent) emitDeviation(cycleID string, k seriesKey, m *models.ObservedMetric, mean, stddev, z float64, board blackboard.Blackboard) error {
	conf := math.Min(0.95, 0.5+0.1*z)
	anom := models.Anomaly{
		AnomalyID: models.NewID(models.PrefixAnomaly),
		Type:      models.AnomalyBaselineDeviation,
		Agent:     a.Name(),
		Evidence:  []string{m.MetricID},
		Description: fmt.Sprintf("%s %s value %.1f deviates %.1f sigma from learned baseline (mean %.1f, stddev %.1f)",
			k.resource, k.metric, m.Value, z, mean, stddev),
		Confidence: conf,
		Timestamp:  a.now(),
	}
	if err := board.AddAnomaly(cycleID, anom); err != nil {
		return err
	}
	metrics.FindingsTotal.WithLabelValues(a.Name(), "anomaly").Inc()
	return nil
}

// ProfileCount reports how many (entity, metric) baselines are being tracked.
func (a *baselineAgent) ProfileCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.profiles)
}
