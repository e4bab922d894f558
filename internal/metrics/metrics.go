package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics for production monitoring
var (
	// Ingest metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_events_ingested_total",
			Help: "Total number of raw events accepted by the observation layer",
		},
		[]string{"type"},
	)

	MetricsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_metrics_ingested_total",
			Help: "Total number of raw metric samples accepted by the observation layer",
		},
		[]string{"metric_name"},
	)

	GuardRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opspulse_guard_rejections_total",
			Help: "Total number of observations rejected by the purity guard",
		},
	)

	DurableWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opspulse_durable_write_failures_total",
			Help: "Total number of best-effort durable store write failures",
		},
	)

	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_cycles_total",
			Help: "Total number of reasoning cycles completed",
		},
		[]string{"pulse"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opspulse_cycle_duration_seconds",
			Help:    "Reasoning cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"pulse"},
	)

	CompositeSeverity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opspulse_composite_severity",
			Help: "Composite severity (0-100) of the most recent cycle",
		},
	)

	CurrentPulse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opspulse_pulse",
			Help: "Current system pulse (1 for the active pulse, 0 otherwise)",
		},
		[]string{"pulse"},
	)

	CycleOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opspulse_cycle_open",
			Help: "Whether a reasoning cycle is currently open (1=open)",
		},
	)

	// Finding metrics
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_findings_total",
			Help: "Total findings written to the blackboard",
		},
		[]string{"agent", "kind"},
	)

	AgentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_agent_failures_total",
			Help: "Total detection agent failures swallowed by the MCP",
		},
		[]string{"agent"},
	)

	// Outbound mirror metrics
	MirrorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_mirror_failures_total",
			Help: "Total best-effort external mirror failures",
		},
		[]string{"target"}, // graph_sink | alert_gate | webhook
	)

	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_alerts_dispatched_total",
			Help: "Total alerts passed through the alert gate",
		},
		[]string{"severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opspulse_alerts_suppressed_total",
			Help: "Total alerts suppressed by cooldown or fingerprint de-dup",
		},
		[]string{"reason"}, // cooldown | duplicate | threshold
	)

	// WebSocket hub metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opspulse_websocket_connections",
			Help: "Current number of active alert stream connections",
		},
	)
)

// SetPulse updates the one-hot pulse gauge.
func SetPulse(pulse string) {
	for _, p := range []string{"CALM", "ELEVATED", "STRESSED", "CRITICAL"} {
		v := 0.0
		if p == pulse {
			v = 1.0
		}
		CurrentPulse.WithLabelValues(p).Set(v)
	}
}
