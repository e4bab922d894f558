package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/metrics"
	"github.com/opspulse/opspulse-engine/internal/models"
)

// Alert is the outbound alert envelope.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	CycleID     string    `json:"cycle_id"`
	Severity    string    `json:"severity"`
	RiskState   string    `json:"risk_state"`
	Summary     string    `json:"summary"`
	Fingerprint string    `json:"fingerprint"`
	InsightID   string    `json:"insight_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notifier delivers one alert over one channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertGate decides whether a cycle's outcome becomes an alert. It enforces
// a per-fingerprint cooldown and a severity floor; delivery failure never
// reaches the caller.
type AlertGate interface {
	// Dispatch evaluates one closed cycle and fans the alert out to the
	// configured notifiers when it passes the gate.
	Dispatch(ctx context.Context, cycle *models.ReasoningCycle, ins *models.Insight, risk models.RiskState)
}

// NopAlertGate is the feature-flag-off provider.
type NopAlertGate struct{}

func (NopAlertGate) Dispatch(context.Context, *models.ReasoningCycle, *models.Insight, models.RiskState) {
}

type gateImpl struct {
	mu        sync.Mutex
	lastSent  map[string]time.Time
	cooldown  time.Duration
	minSev    map[string]bool
	notifiers []Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// DefaultCooldown suppresses identical alerts within this window.
const DefaultCooldown = 5 * time.Minute

// NewAlertGate builds the gate. Alerts below MEDIUM never pass.
func NewAlertGate(cooldown time.Duration, notifiers []Notifier, logger *zap.Logger) AlertGate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gateImpl{
		lastSent:  map[string]time.Time{},
		cooldown:  cooldown,
		minSev:    map[string]bool{"MEDIUM": true, "HIGH": true, "CRITICAL": true},
		notifiers: notifiers,
		logger:    logger,
		now:       time.Now,
	}
}

func (g *gateImpl) Dispatch(ctx context.Context, cycle *models.ReasoningCycle, ins *models.Insight, risk models.RiskState) {
	if cycle == nil || ins == nil {
		return
	}
	if !g.minSev[ins.Severity] {
		metrics.AlertsSuppressed.WithLabelValues("threshold").Inc()
		return
	}

	alert := Alert{
		AlertID:     models.NewID("alert_"),
		CycleID:     cycle.CycleID,
		Severity:    ins.Severity,
		RiskState:   string(risk),
		Summary:     ins.Summary,
		Fingerprint: fingerprint(cycle, ins),
		InsightID:   ins.InsightID,
		CreatedAt:   g.now(),
	}

	g.mu.Lock()
	if last, ok := g.lastSent[alert.Fingerprint]; ok && g.now().Sub(last) < g.cooldown {
		g.mu.Unlock()
		metrics.AlertsSuppressed.WithLabelValues("cooldown").Inc()
		return
	}
	g.lastSent[alert.Fingerprint] = g.now()
	g.mu.Unlock()

	for _, n := range g.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			metrics.MirrorFailures.WithLabelValues("alert_gate").Inc()
			g.logger.Warn("alert delivery failed",
				zap.String("alert_id", alert.AlertID), zap.Error(err))
		}
	}
	metrics.AlertsDispatched.WithLabelValues(alert.Severity).Inc()
	g.logger.Info("alert dispatched",
		zap.String("alert_id", alert.AlertID),
		zap.String("severity", alert.Severity),
		zap.String("cycle_id", alert.CycleID))
}

// fingerprint identifies the alert's cause, not its instance: same severity
// plus same finding-type mix hashes identically across cycles.
func fingerprint(cycle *models.ReasoningCycle, ins *models.Insight) string {
	h := sha256.New()
	h.Write([]byte(ins.Severity))
	seen := map[string]bool{}
	for _, a := range cycle.Anomalies {
		seen[string(a.Type)] = true
	}
	for _, p := range cycle.PolicyHits {
		seen[p.PolicyID] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	// Map order is random; sort for a stable hash.
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
