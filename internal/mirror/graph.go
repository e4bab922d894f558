package mirror

import (
	"context"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// Package mirror holds the outbound best-effort collaborators: the knowledge
// graph sink, the alert gate with its delivery channels, and the optional
// insight polish. Every call here is fire-and-forget from the engine's point
// of view; failures are counted and logged, never propagated.

// GraphSink receives fire-and-forget copies of key findings. Implementations
// must tolerate being called from detached goroutines with short deadlines.
type GraphSink interface {
	WriteAnomaly(ctx context.Context, a models.Anomaly) error
	WriteCausalLink(ctx context.Context, l models.CausalLink) error
	WriteRecommendation(ctx context.Context, r models.RecommendationV2) error
}

// NopGraphSink is the feature-flag-off provider.
type NopGraphSink struct{}

func (NopGraphSink) WriteAnomaly(context.Context, models.Anomaly) error { return nil }

func (NopGraphSink) WriteCausalLink(context.Context, models.CausalLink) error { return nil }

func (NopGraphSink) WriteRecommendation(context.Context, models.RecommendationV2) error { return nil }

// LoggingGraphSink records graph writes as structured log lines. It stands in
// for a real graph backend in single-node deployments.
type LoggingGraphSink struct {
	logger *zap.Logger
}

// NewLoggingGraphSink builds the logging sink.
func NewLoggingGraphSink(logger *zap.Logger) *LoggingGraphSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingGraphSink{logger: logger}
}

func (s *LoggingGraphSink) WriteAnomaly(_ context.Context, a models.Anomaly) error {
	s.logger.Info("graph write",
		zap.String("node", "anomaly"),
		zap.String("id", a.AnomalyID),
		zap.String("type", string(a.Type)),
		zap.Float64("confidence", a.Confidence))
	return nil
}

func (s *LoggingGraphSink) WriteCausalLink(_ context.Context, l models.CausalLink) error {
	s.logger.Info("graph write",
		zap.String("node", "causal_link"),
		zap.String("id", l.LinkID),
		zap.String("cause", l.Cause),
		zap.String("effect", l.Effect))
	return nil
}

func (s *LoggingGraphSink) WriteRecommendation(_ context.Context, r models.RecommendationV2) error {
	s.logger.Info("graph write",
		zap.String("node", "recommendation"),
		zap.String("id", r.RecID),
		zap.String("action", r.ActionCode))
	return nil
}
