package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/opspulse/opspulse-engine/internal/models"
)

// schema defines the tables for the engine's persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
    event_id    TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    workflow_id TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT '',
    resource    TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    timestamp   DATETIME NOT NULL,
    observed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_type      ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_workflow  ON events(workflow_id);

CREATE TABLE IF NOT EXISTS metrics (
    metric_id   TEXT PRIMARY KEY,
    resource_id TEXT NOT NULL,
    metric_name TEXT NOT NULL,
    value       REAL NOT NULL,
    timestamp   DATETIME NOT NULL,
    observed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_resource  ON metrics(resource_id, metric_name);

CREATE TABLE IF NOT EXISTS cycles (
    cycle_id       TEXT PRIMARY KEY,
    started_at     DATETIME NOT NULL,
    completed_at   DATETIME NOT NULL,
    anomaly_count  INTEGER NOT NULL DEFAULT 0,
    hit_count      INTEGER NOT NULL DEFAULT 0,
    signal_count   INTEGER NOT NULL DEFAULT 0,
    record         TEXT NOT NULL -- full serialized ReasoningCycle
);
CREATE INDEX IF NOT EXISTS idx_cycles_completed_at ON cycles(completed_at DESC);

CREATE TABLE IF NOT EXISTS anomalies (
    anomaly_id  TEXT PRIMARY KEY,
    cycle_id    TEXT NOT NULL,
    type        TEXT NOT NULL,
    agent       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    confidence  REAL NOT NULL DEFAULT 0.0,
    evidence    TEXT NOT NULL DEFAULT '[]',
    timestamp   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_type      ON anomalies(type);
CREATE INDEX IF NOT EXISTS idx_anomalies_cycle     ON anomalies(cycle_id);

CREATE TABLE IF NOT EXISTS policy_hits (
    hit_id         TEXT PRIMARY KEY,
    cycle_id       TEXT NOT NULL,
    policy_id      TEXT NOT NULL,
    event_id       TEXT NOT NULL,
    violation_type TEXT NOT NULL DEFAULT 'SILENT',
    description    TEXT NOT NULL DEFAULT '',
    timestamp      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_hits_timestamp ON policy_hits(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_policy_hits_policy    ON policy_hits(policy_id);

CREATE TABLE IF NOT EXISTS recommendations (
    rec_id      TEXT PRIMARY KEY,
    cycle_id    TEXT NOT NULL,
    rule_id     TEXT NOT NULL DEFAULT '',
    issue_type  TEXT NOT NULL,
    entity      TEXT NOT NULL DEFAULT '',
    action_code TEXT NOT NULL,
    severity    REAL NOT NULL DEFAULT 0.0,
    confidence  REAL NOT NULL DEFAULT 0.0,
    urgency     TEXT NOT NULL DEFAULT 'LOW',
    step        INTEGER NOT NULL DEFAULT 0,
    record      TEXT NOT NULL DEFAULT '{}',
    timestamp   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommendations_cycle ON recommendations(cycle_id);
CREATE INDEX IF NOT EXISTS idx_recommendations_issue ON recommendations(issue_type);

CREATE TABLE IF NOT EXISTS risk_history (
    entity          TEXT PRIMARY KEY,
    entity_type     TEXT NOT NULL DEFAULT 'unknown',
    current_state   TEXT NOT NULL DEFAULT 'NORMAL',
    anomaly_count   INTEGER NOT NULL DEFAULT 0,
    policy_hit_count INTEGER NOT NULL DEFAULT 0,
    updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS insights (
    insight_id  TEXT PRIMARY KEY,
    cycle_id    TEXT NOT NULL,
    severity    TEXT NOT NULL,
    confidence  REAL NOT NULL DEFAULT 0.0,
    record      TEXT NOT NULL, -- full serialized Insight
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_insights_created_at ON insights(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_insights_cycle      ON insights(cycle_id);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: sqldb}
	if err := s.migrate(); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Observations ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendEvent(ctx context.Context, ev *models.ObservedEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO events(event_id, type, workflow_id, actor, resource, metadata, timestamp, observed_at)
        VALUES(?,?,?,?,?,?,?,?)
    `, ev.EventID, string(ev.Type), ev.WorkflowID, ev.Actor, ev.Resource, string(meta), ev.Timestamp, ev.ObservedAt)
	return err
}

func (s *sqliteStore) AppendMetric(ctx context.Context, m *models.ObservedMetric) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO metrics(metric_id, resource_id, metric_name, value, timestamp, observed_at)
        VALUES(?,?,?,?,?,?)
    `, m.MetricID, m.ResourceID, m.MetricName, m.Value, m.Timestamp, m.ObservedAt)
	return err
}

func (s *sqliteStore) RecentEvents(ctx context.Context, limit int) ([]*models.ObservedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, type, workflow_id, actor, resource, metadata, timestamp, observed_at
        FROM (
            SELECT * FROM events ORDER BY observed_at DESC LIMIT ?
        ) ORDER BY observed_at ASC
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqliteStore) RecentMetrics(ctx context.Context, limit int) ([]*models.ObservedMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT metric_id, resource_id, metric_name, value, timestamp, observed_at
        FROM (
            SELECT * FROM metrics ORDER BY observed_at DESC LIMIT ?
        ) ORDER BY observed_at ASC
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (s *sqliteStore) EventsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ObservedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, type, workflow_id, actor, resource, metadata, timestamp, observed_at
        FROM events WHERE workflow_id = ? ORDER BY timestamp ASC LIMIT ?
    `, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqliteStore) MetricsByResource(ctx context.Context, resourceID, metricName string, limit int) ([]*models.ObservedMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT metric_id, resource_id, metric_name, value, timestamp, observed_at
        FROM metrics WHERE resource_id = ? AND metric_name = ?
        ORDER BY timestamp ASC LIMIT ?
    `, resourceID, metricName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.ObservedEvent, error) {
	var out []*models.ObservedEvent
	for rows.Next() {
		ev := &models.ObservedEvent{}
		var typ, meta string
		if err := rows.Scan(&ev.EventID, &typ, &ev.WorkflowID, &ev.Actor, &ev.Resource, &meta, &ev.Timestamp, &ev.ObservedAt); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(typ)
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanMetrics(rows *sql.Rows) ([]*models.ObservedMetric, error) {
	var out []*models.ObservedMetric
	for rows.Next() {
		m := &models.ObservedMetric{}
		if err := rows.Scan(&m.MetricID, &m.ResourceID, &m.MetricName, &m.Value, &m.Timestamp, &m.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ─── Cycles ───────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveCycle(ctx context.Context, cycle *models.ReasoningCycle) error {
	record, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshal cycle %s: %w", cycle.CycleID, err)
	}
	completed := cycle.StartedAt
	if cycle.CompletedAt != nil {
		completed = *cycle.CompletedAt
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO cycles(cycle_id, started_at, completed_at, anomaly_count, hit_count, signal_count, record)
        VALUES(?,?,?,?,?,?,?)
    `, cycle.CycleID, cycle.StartedAt, completed,
		len(cycle.Anomalies), len(cycle.PolicyHits), len(cycle.RiskSignals), string(record))
	return err
}

func (s *sqliteStore) RecentCycleIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle_id FROM cycles ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadCycle(ctx context.Context, cycleID string) (*models.ReasoningCycle, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM cycles WHERE cycle_id = ?`, cycleID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cycle %s not found", cycleID)
	}
	if err != nil {
		return nil, err
	}
	cycle := &models.ReasoningCycle{}
	if err := json.Unmarshal([]byte(record), cycle); err != nil {
		return nil, fmt.Errorf("unmarshal cycle %s: %w", cycleID, err)
	}
	return cycle, nil
}

// ─── Findings ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAnomaly(ctx context.Context, cycleID string, a *models.Anomaly) error {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		evidence = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO anomalies(anomaly_id, cycle_id, type, agent, description, confidence, evidence, timestamp)
        VALUES(?,?,?,?,?,?,?,?)
    `, a.AnomalyID, cycleID, string(a.Type), a.Agent, a.Description, a.Confidence, string(evidence), a.Timestamp)
	return err
}

func (s *sqliteStore) AppendPolicyHit(ctx context.Context, cycleID string, h *models.PolicyHit) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO policy_hits(hit_id, cycle_id, policy_id, event_id, violation_type, description, timestamp)
        VALUES(?,?,?,?,?,?,?)
    `, h.HitID, cycleID, h.PolicyID, h.EventID, string(h.ViolationType), h.Description, h.Timestamp)
	return err
}

func (s *sqliteStore) AppendRecommendation(ctx context.Context, cycleID string, r *models.RecommendationV2) error {
	record, err := json.Marshal(r)
	if err != nil {
		record = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO recommendations(rec_id, cycle_id, rule_id, issue_type, entity, action_code, severity, confidence, urgency, step, record, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `, r.RecID, cycleID, r.RuleID, r.IssueType, r.Entity, r.ActionCode,
		r.SeverityScore, r.Confidence, string(r.Urgency), r.Step, string(record), r.Timestamp)
	return err
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT type, COUNT(*) FROM anomalies
        WHERE timestamp >= ? AND timestamp <= ?
        GROUP BY type
    `, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		out[typ] = count
	}
	return out, rows.Err()
}

// ─── Risk history ─────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveRiskState(ctx context.Context, rec *RiskHistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO risk_history(entity, entity_type, current_state, anomaly_count, policy_hit_count, updated_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(entity) DO UPDATE SET
            entity_type      = excluded.entity_type,
            current_state    = excluded.current_state,
            anomaly_count    = excluded.anomaly_count,
            policy_hit_count = excluded.policy_hit_count,
            updated_at       = excluded.updated_at
    `, rec.Entity, rec.EntityType, string(rec.CurrentState), rec.AnomalyCount, rec.PolicyHitCount, rec.UpdatedAt)
	return err
}

func (s *sqliteStore) LoadRiskStates(ctx context.Context) ([]*RiskHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT entity, entity_type, current_state, anomaly_count, policy_hit_count, updated_at
        FROM risk_history
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RiskHistoryRecord
	for rows.Next() {
		rec := &RiskHistoryRecord{}
		var state string
		if err := rows.Scan(&rec.Entity, &rec.EntityType, &state, &rec.AnomalyCount, &rec.PolicyHitCount, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.CurrentState = models.RiskState(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Insights ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveInsight(ctx context.Context, ins *models.Insight) error {
	record, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("marshal insight %s: %w", ins.InsightID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO insights(insight_id, cycle_id, severity, confidence, record, created_at)
        VALUES(?,?,?,?,?,?)
    `, ins.InsightID, ins.CycleID, ins.Severity, ins.Confidence, string(record), ins.CreatedAt)
	return err
}

func (s *sqliteStore) RecentInsights(ctx context.Context, limit int) ([]*models.Insight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM insights ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Insight
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		ins := &models.Insight{}
		if err := json.Unmarshal([]byte(record), ins); err != nil {
			continue // skip corrupt rows
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}
