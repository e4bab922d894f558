package observation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// DefaultBufferSize is the per-kind ring buffer capacity.
const DefaultBufferSize = 5000

// layerImpl is the ring-buffer backed Layer implementation.
type layerImpl struct {
	mu sync.RWMutex

	events  []*models.ObservedEvent
	metrics []*models.ObservedMetric

	eventHead, eventSize   int
	metricHead, metricSize int
	capacity               int

	sink   Sink // may be nil
	logger *zap.Logger
	now    func() time.Time
}

// NewLayer creates an observation layer with the given buffer capacity.
// sink may be nil, in which case records live only in memory.
func NewLayer(capacity int, sink Sink, logger *zap.Logger) Layer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &layerImpl{
		events:   make([]*models.ObservedEvent, capacity),
		metrics:  make([]*models.ObservedMetric, capacity),
		capacity: capacity,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// ObserveEvent ingests a raw event.
func (l *layerImpl) ObserveEvent(ctx context.Context, ev *models.ObservedEvent) error {
	if err := checkEventPurity(ev); err != nil {
		metrics.GuardRejections.Inc()
		return err
	}
	if ev.EventID == "" {
		ev.EventID = models.NewID(models.PrefixEvent)
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = l.now()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ev.ObservedAt
	}

	l.mu.Lock()
	idx := (l.eventHead + l.eventSize) % l.capacity
	l.events[idx] = ev
	if l.eventSize < l.capacity {
		l.eventSize++
	} else {
		l.eventHead = (l.eventHead + 1) % l.capacity
	}
	l.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(string(ev.Type)).Inc()
	l.appendDurableEvent(ctx, ev)
	return nil
}

// ObserveMetric ingests a raw metric sample.
func (l *layerImpl) ObserveMetric(ctx context.Context, m *models.ObservedMetric) error {
	if err := checkMetricPurity(m); err != nil {
		metrics.GuardRejections.Inc()
		return err
	}
	if m.MetricID == "" {
		m.MetricID = models.NewID(models.PrefixMetric)
	}
	if m.ObservedAt.IsZero() {
		m.ObservedAt = l.now()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = m.ObservedAt
	}

	l.mu.Lock()
	idx := (l.metricHead + l.metricSize) % l.capacity
	l.metrics[idx] = m
	if l.metricSize < l.capacity {
		l.metricSize++
	} else {
		l.metricHead = (l.metricHead + 1) % l.capacity
	}
	l.mu.Unlock()

	metrics.MetricsIngested.WithLabelValues(m.MetricName).Inc()
	l.appendDurableMetric(ctx, m)
	return nil
}

// appendDurableEvent mirrors the event to the durable store, best-effort.
func (l *layerImpl) appendDurableEvent(ctx context.Context, ev *models.ObservedEvent) {
	if l.sink == nil {
		return
	}
	if err := l.sink.AppendEvent(ctx, ev); err != nil {
		metrics.DurableWriteFailures.Inc()
		l.logger.Warn("durable event append failed",
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
}

func (l *layerImpl) appendDurableMetric(ctx context.Context, m *models.ObservedMetric) {
	if l.sink == nil {
		return
	}
	if err := l.sink.AppendMetric(ctx, m); err != nil {
		metrics.DurableWriteFailures.Inc()
		l.logger.Warn("durable metric append failed",
			zap.String("metric_id", m.MetricID),
			zap.Error(err))
	}
}

// RecentEvents returns up to n most recent events in ingest order.
func (l *layerImpl) RecentEvents(n int) []*models.ObservedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || l.eventSize == 0 {
		return nil
	}
	if n > l.eventSize {
		n = l.eventSize
	}
	out := make([]*models.ObservedEvent, 0, n)
	start := l.eventSize - n
	for i := start; i < l.eventSize; i++ {
		out = append(out, l.events[(l.eventHead+i)%l.capacity])
	}
	return out
}

// RecentMetrics returns up to n most recent metrics in ingest order.
func (l *layerImpl) RecentMetrics(n int) []*models.ObservedMetric {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || l.metricSize == 0 {
		return nil
	}
	if n > l.metricSize {
		n = l.metricSize
	}
	out := make([]*models.ObservedMetric, 0, n)
	start := l.metricSize - n
	for i := start; i < l.metricSize; i++ {
		out = append(out, l.metrics[(l.metricHead+i)%l.capacity])
	}
	return out
}

// EventsInWindow returns buffered events inside [start, end] matching f.
func (l *layerImpl) EventsInWindow(start, end time.Time, f EventFilter) []*models.ObservedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.ObservedEvent
	for i := 0; i < l.eventSize; i++ {
		ev := l.events[(l.eventHead+i)%l.capacity]
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.WorkflowID != "" && ev.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Actor != "" && ev.Actor != f.Actor {
			continue
		}
		if f.Resource != "" && ev.Resource != f.Resource {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// MetricsInWindow returns buffered metrics inside [start, end] matching f.
func (l *layerImpl) MetricsInWindow(start, end time.Time, f MetricFilter) []*models.ObservedMetric {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.ObservedMetric
	for i := 0; i < l.metricSize; i++ {
		m := l.metrics[(l.metricHead+i)%l.capacity]
		if m.Timestamp.Before(start) || m.Timestamp.After(end) {
			continue
		}
		if f.ResourceID != "" && m.ResourceID != f.ResourceID {
			continue
		}
		if f.MetricName != "" && m.MetricName != f.MetricName {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Counts returns current buffered counts.
func (l *layerImpl) Counts() (int, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.eventSize, l.metricSize
}

// Warmer is implemented by stores that can replay recent observations into
// the buffers after a restart.
type Warmer interface {
	RecentEvents(ctx context.Context, limit int) ([]*models.ObservedEvent, error)
	RecentMetrics(ctx context.Context, limit int) ([]*models.ObservedMetric, error)
}

// WarmRestart reloads the most recent durable observations into the ring
// buffers. Load errors are logged and ignored; an empty store is not an error.
func WarmRestart(ctx context.Context, l Layer, w Warmer, limit int, logger *zap.Logger) {
	impl, ok := l.(*layerImpl)
	if !ok || w == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 || limit > impl.capacity {
		limit = impl.capacity
	}

	events, err := w.RecentEvents(ctx, limit)
	if err != nil {
		logger.Warn("warm restart: event reload failed", zap.Error(err))
	}
	mets, err := w.RecentMetrics(ctx, limit)
	if err != nil {
		logger.Warn("warm restart: metric reload failed", zap.Error(err))
	}

	impl.mu.Lock()
	for _, ev := range events {
		idx := (impl.eventHead + impl.eventSize) % impl.capacity
		impl.events[idx] = ev
		if impl.eventSize < impl.capacity {
			impl.eventSize++
		} else {
			impl.eventHead = (impl.eventHead + 1) % impl.capacity
		}
	}
	for _, m := range mets {
		idx := (impl.metricHead + impl.metricSize) % impl.capacity
		impl.metrics[idx] = m
		if impl.metricSize < impl.capacity {
			impl.metricSize++
		} else {
			impl.metricHead = (impl.metricHead + 1) % impl.capacity
		}
	}
	impl.mu.Unlock()

	logger.Info("warm restart complete",
		zap.Int("events", len(events)),
		zap.Int("metrics", len(mets)))
}
