package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opspulse/opspulse-engine/internal/models"
	"github.com/opspulse/opspulse-engine/internal/observation"
	"github.com/opspulse/opspulse-engine/internal/simulate"
)

// registerHandlers registers all HTTP endpoints.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	// Health and observability
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	// Ingest, rate limited per producer when configured
	ingestEvent := http.HandlerFunc(s.handleIngestEvent)
	ingestMetric := http.HandlerFunc(s.handleIngestMetric)
	if s.limiter != nil {
		ingestEvent = s.limiter.Wrap(ingestEvent)
		ingestMetric = s.limiter.Wrap(ingestMetric)
	}
	mux.Handle("/api/v1/events", ingestEvent)
	mux.Handle("/api/v1/metrics", ingestMetric)

	// Engine
	mux.HandleFunc("/api/v1/cycles/run", s.handleRunCycle)
	mux.HandleFunc("/api/v1/cycles", s.handleRecentCycles)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/insights", s.handleInsights)

	// Operator tools
	mux.HandleFunc("/api/v1/scenarios", s.handleScenarios)
	mux.HandleFunc("/api/v1/scenarios/inject", s.handleInjectScenario)
	mux.HandleFunc("/api/v1/simulate", s.handleSimulate)

	// Alert stream (only when the alert gate feature is on)
	if s.hub != nil {
		mux.Handle("/ws/alerts", s.hub)
	}
}

// ─── Health ───

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	events, metricCount := s.layer.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ready",
		"buffered_events":  events,
		"buffered_metrics": metricCount,
	})
}

// ─── Ingest ───

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev models.ObservedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.layer.ObserveEvent(r.Context(), &ev); err != nil {
		if errors.Is(err, observation.ErrIngestRejected) {
			s.audit.LogIngestRejected(r.Context(), err.Error())
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"status": "rejected",
				"reason": err.Error(),
			})
			return
		}
		http.Error(w, fmt.Sprintf("Ingest error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"event_id": ev.EventID,
	})
}

func (s *Server) handleIngestMetric(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m models.ObservedMetric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.layer.ObserveMetric(r.Context(), &m); err != nil {
		if errors.Is(err, observation.ErrIngestRejected) {
			s.audit.LogIngestRejected(r.Context(), err.Error())
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"status": "rejected",
				"reason": err.Error(),
			})
			return
		}
		http.Error(w, fmt.Sprintf("Ingest error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"metric_id": m.MetricID,
	})
}

// ─── Engine ───

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.runCycle(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Cycle error: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecentCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 10)
	cycles := s.board.RecentCycles(limit)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events, metricCount := s.layer.Counts()
	diagnostics := s.engine.Diagnostics(queryInt(r, "limit", 5))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pulse":            s.engine.Pulse(),
		"buffered_events":  events,
		"buffered_metrics": metricCount,
		"diagnostics":      diagnostics,
		"timestamp":        time.Now(),
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 10)

	// Durable history when a store is configured, the last in-memory insight
	// otherwise.
	if s.store != nil {
		insights, err := s.store.RecentInsights(r.Context(), limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Query error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"insights": insights,
			"count":    len(insights),
		})
		return
	}

	var insights []*models.Insight
	if last := s.engine.LastInsight(); last != nil {
		insights = append(insights, last)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"insights": insights,
		"count":    len(insights),
	})
}

// ─── Operator tools ───

// InjectScenarioRequest names the scenario to play into the observation layer.
type InjectScenarioRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scenarios": s.injector.Scenarios(),
		"history":   s.injector.History(),
	})
}

func (s *Server) handleInjectScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req InjectScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Scenario name cannot be empty", http.StatusBadRequest)
		return
	}

	exec, err := s.injector.Inject(r.Context(), req.Name)
	if err != nil {
		http.Error(w, fmt.Sprintf("Injection error: %v", err), http.StatusBadRequest)
		return
	}

	s.audit.LogScenarioInjected(r.Context(), exec.Scenario, exec.EventCount, exec.MetricCount)
	writeJSON(w, http.StatusOK, exec)
}

// SimulateRequest describes one what-if scenario evaluation.
type SimulateRequest struct {
	Kind      string             `json:"kind"`
	Params    map[string]float64 `json:"params,omitempty"`
	Modifiers simulate.Modifiers `json:"modifiers"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "Scenario kind cannot be empty", http.StatusBadRequest)
		return
	}

	run := s.simulator.Run(req.Kind, req.Params, req.Modifiers)
	writeJSON(w, http.StatusOK, run)
}

// ─── Helpers ───

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
