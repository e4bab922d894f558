package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opspulse/opspulse-engine/internal/agents"
	"github.com/opspulse/opspulse-engine/internal/audit"
	"github.com/opspulse/opspulse-engine/internal/blackboard"
	"github.com/opspulse/opspulse-engine/internal/config"
	"github.com/opspulse/opspulse-engine/internal/db"
	"github.com/opspulse/opspulse-engine/internal/insight"
	"github.com/opspulse/opspulse-engine/internal/mcp"
	"github.com/opspulse/opspulse-engine/internal/middleware"
	"github.com/opspulse/opspulse-engine/internal/mirror"
	"github.com/opspulse/opspulse-engine/internal/models"
	"github.com/opspulse/opspulse-engine/internal/observation"
	"github.com/opspulse/opspulse-engine/internal/recommend"
	"github.com/opspulse/opspulse-engine/internal/scenario"
	"github.com/opspulse/opspulse-engine/internal/severity"
	"github.com/opspulse/opspulse-engine/internal/simulate"
)

// Server wires the observation layer, blackboard, engine, and mirrors behind
// one HTTP surface and owns the background cycle ticker.
type Server struct {
	config *config.Config
	logger *zap.Logger

	// Core components
	store     db.Store
	layer     observation.Layer
	board     blackboard.Blackboard
	engine    mcp.MCP
	injector  scenario.Injector
	simulator simulate.Simulator
	hub       *mirror.Hub
	audit     audit.Logger
	limiter   *middleware.IngestLimiter
	cycleLog  io.Closer

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server with all components built from config.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents builds every engine component in dependency order.
func (s *Server) initializeComponents() error {
	cfg := s.config

	// 1. Durable store (optional; empty path runs memory-only)
	if cfg.Database.SQLitePath != "" {
		store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.store = store
	}

	// 2. Audit logger
	auditLogger, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Audit.LogPath,
		MaxSize:      cfg.Audit.MaxSizeMB,
		MaxBackups:   cfg.Audit.MaxBackups,
		MaxAge:       cfg.Audit.MaxAgeDays,
		Compress:     cfg.Audit.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	s.audit = auditLogger

	// 3. Observation layer, mirrored to the store when one is configured
	var sink observation.Sink
	if s.store != nil {
		sink = s.store
	}
	s.layer = observation.NewLayer(cfg.Observation.BufferSize, sink, s.logger)

	if cfg.Observation.WarmRestart && s.store != nil {
		observation.WarmRestart(s.ctx, s.layer, s.store, cfg.Observation.WarmRestartLimit, s.logger)
	}

	// 4. Blackboard with JSONL cycle log
	var cycleLog io.Writer
	if cfg.Blackboard.CycleLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Blackboard.CycleLogPath), 0o755); err != nil {
			s.logger.Warn("cycle log directory unavailable", zap.Error(err))
		} else if f, err := os.OpenFile(cfg.Blackboard.CycleLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			s.logger.Warn("cycle log unavailable", zap.Error(err))
		} else {
			cycleLog = f
			s.cycleLog = f
		}
	}
	var persister blackboard.CyclePersister
	if s.store != nil {
		persister = s.store
	}
	s.board = blackboard.New(cycleLog, persister, s.logger)

	// 5. Agents
	detection := []agents.Agent{
		agents.NewWorkflowAgent(agents.DefaultWorkflowDefinition(), s.logger),
		agents.NewResourceAgent(agents.DefaultThresholds(), s.logger),
		agents.NewComplianceAgent(agents.DefaultPolicySet(), s.logger),
		agents.NewBaselineAgent(s.logger),
		agents.NewCodeRiskAgent(s.logger),
	}
	var riskHistory db.RiskHistoryStore
	if s.store != nil {
		riskHistory = s.store
	}
	forecaster := agents.NewRiskForecastAgent(riskHistory, s.logger)
	if err := forecaster.Restore(s.ctx); err != nil {
		s.logger.Warn("risk history restore failed", zap.Error(err))
	}
	causal := agents.NewCausalAgent(agents.DefaultCausalPatterns(), s.logger)

	// 6. Mirrors, feature-flagged; nil collaborators become no-ops in the engine
	var graphSink mirror.GraphSink
	if cfg.Features.GraphSink {
		graphSink = mirror.NewLoggingGraphSink(s.logger)
	}
	var alertGate mirror.AlertGate
	if cfg.Features.AlertGate {
		s.hub = mirror.NewHub(s.logger)
		notifiers := []mirror.Notifier{s.hub}
		if cfg.Features.Webhook && cfg.Features.WebhookURL != "" {
			notifiers = append(notifiers, mirror.NewWebhookNotifier(cfg.Features.WebhookURL, s.logger))
		}
		cooldown := time.Duration(cfg.Engine.AlertCooldownSeconds) * time.Second
		alertGate = mirror.NewAlertGate(cooldown, notifiers, s.logger)
	}

	// 7. Engine
	var insightDB db.InsightStore
	if s.store != nil {
		insightDB = s.store
	}
	s.engine = mcp.New(mcp.Deps{
		Layer:       s.layer,
		Board:       s.board,
		Detection:   detection,
		Forecaster:  forecaster,
		Causal:      causal,
		Severity:    severity.NewEngine(s.logger),
		Recommender: recommend.NewEngine(recommend.DefaultRules(), s.logger),
		Insights:    insight.NewMaterializer(insight.NopPolisher{}, s.logger),
		GraphSink:   graphSink,
		AlertGate:   alertGate,
		InsightDB:   insightDB,
		Audit:       s.audit,
		Logger:      s.logger,
	})

	// 8. Operator tools
	s.injector = scenario.NewInjector(s.layer, s.logger)
	s.simulator = simulate.New(s.board, s.logger)

	// 9. Ingest rate limiting
	if cfg.Server.IngestRatePerMin > 0 {
		s.limiter = middleware.NewIngestLimiter(cfg.Server.IngestRatePerMin)
	}

	return nil
}

// Start starts the HTTP server and the cycle ticker.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server listening", zap.Int("port", s.config.Server.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	if s.config.Engine.CycleIntervalSeconds > 0 {
		s.wg.Add(1)
		go s.runCycleLoop()
	}

	s.audit.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("listening on port %d", s.config.Server.Port)))
	s.logger.Info("opspulse engine started",
		zap.Int("cycle_interval_seconds", s.config.Engine.CycleIntervalSeconds),
		zap.Bool("graph_sink", s.config.Features.GraphSink),
		zap.Bool("alert_gate", s.config.Features.AlertGate),
		zap.Bool("durable_store", s.store != nil))
	return nil
}

// runCycleLoop drives the engine on the configured interval until shutdown.
func (s *Server) runCycleLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.Engine.CycleIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runCycle(s.ctx); err != nil {
				s.logger.Warn("scheduled cycle failed", zap.Error(err))
			}
		}
	}
}

// runCycle runs one cycle, applying the configured per-cycle deadline.
func (s *Server) runCycle(ctx context.Context) (*models.CycleResult, error) {
	if d := s.config.Engine.CycleDeadlineSeconds; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d)*time.Second)
		defer cancel()
	}
	return s.engine.RunCycle(ctx)
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down")
	s.cancel()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	if s.hub != nil {
		s.hub.Close()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.audit != nil {
		s.audit.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown))
		if err := s.audit.Close(); err != nil {
			s.logger.Warn("audit logger close error", zap.Error(err))
		}
	}
	if s.cycleLog != nil {
		if err := s.cycleLog.Close(); err != nil {
			s.logger.Warn("cycle log close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close error", zap.Error(err))
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Wait blocks until all background goroutines exit.
func (s *Server) Wait() {
	s.wg.Wait()
}

// IsRunning reports whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
