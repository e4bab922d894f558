package mcp

import (
	"sync"

	"github.com/opspulse/opspulse-engine/internal/models"
)

// diagnosticsCapacity bounds the MCP's cycle memory.
const diagnosticsCapacity = 100

// perceptionWindow is how many recent diagnostics feed pulse selection.
const perceptionWindow = 5

// cycleMemory is the MCP's private ring of per-cycle diagnostics plus the
// counters derived from them. Single writer (the MCP), snapshot readers.
type cycleMemory struct {
	mu                  sync.Mutex
	entries             []models.CycleDiagnostics
	consecutiveCritical int
	consecutiveCalm     int
	knownRootCauses     map[string]bool
}

func newCycleMemory() *cycleMemory {
	return &cycleMemory{knownRootCauses: map[string]bool{}}
}

// record appends one diagnostics entry and updates the streak counters.
func (m *cycleMemory) record(d models.CycleDiagnostics, rootCauses []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, d)
	if len(m.entries) > diagnosticsCapacity {
		m.entries = m.entries[len(m.entries)-diagnosticsCapacity:]
	}
	if d.SeverityScore >= 85 {
		m.consecutiveCritical++
		m.consecutiveCalm = 0
	} else if d.SeverityScore < 20 {
		m.consecutiveCalm++
		m.consecutiveCritical = 0
	} else {
		m.consecutiveCritical = 0
		m.consecutiveCalm = 0
	}
	for _, rc := range rootCauses {
		m.knownRootCauses[rc] = true
	}
}

// recent returns up to n newest entries, oldest first.
func (m *cycleMemory) recent(n int) []models.CycleDiagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]models.CycleDiagnostics, n)
	copy(out, m.entries[len(m.entries)-n:])
	return out
}

func (m *cycleMemory) criticalStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveCritical
}

// isKnownRootCause reports whether a cause pattern was seen in an earlier
// cycle.
func (m *cycleMemory) isKnownRootCause(cause string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.knownRootCauses[cause]
}

func (m *cycleMemory) lastRiskSignalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].RiskSignalCount
}

// perceivePulse derives the system pulse from recent composite severities.
// A run of three or more critical cycles forces CRITICAL regardless of the
// averages.
func perceivePulse(recent []models.CycleDiagnostics, criticalStreak int) models.Pulse {
	if criticalStreak >= 3 {
		return models.PulseCritical
	}
	if len(recent) == 0 {
		return models.PulseCalm
	}
	var sum, max float64
	for _, d := range recent {
		sum += d.SeverityScore
		if d.SeverityScore > max {
			max = d.SeverityScore
		}
	}
	avg := sum / float64(len(recent))
	switch {
	case max >= 85 || avg >= 70:
		return models.PulseCritical
	case avg >= 45 || max >= 60:
		return models.PulseStressed
	case avg >= 20 || max >= 35:
		return models.PulseElevated
	default:
		return models.PulseCalm
	}
}

// pulseProfile is the per-pulse window and worker configuration.
type pulseProfile struct {
	eventWindow  int
	metricWindow int
	workers      int
}

var pulseProfiles = map[models.Pulse]pulseProfile{
	models.PulseCalm:     {eventWindow: 50, metricWindow: 50, workers: 2},
	models.PulseElevated: {eventWindow: 100, metricWindow: 100, workers: 4},
	models.PulseStressed: {eventWindow: 200, metricWindow: 200, workers: 6},
	models.PulseCritical: {eventWindow: 500, metricWindow: 500, workers: 8},
}

func profileFor(p models.Pulse) pulseProfile {
	if prof, ok := pulseProfiles[p]; ok {
		return prof
	}
	return pulseProfiles[models.PulseCalm]
}
