package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSchema mirrors Schema but using SQLite's types, for the embedded
// dev-mode repository (no external Postgres needed to run the router
// locally end to end).
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	correlation_id TEXT PRIMARY KEY,
	tenant TEXT, project TEXT, primary_model TEXT, exploration_model TEXT, strategy TEXT, decided_at TEXT
);
CREATE TABLE IF NOT EXISTS cost_records (
	event_id TEXT PRIMARY KEY,
	correlation_id TEXT, provider TEXT, model TEXT, tenant TEXT, project TEXT,
	input_tokens INTEGER, output_tokens INTEGER, cost_usd REAL, recorded_at TEXT
);
CREATE TABLE IF NOT EXISTS registry_blob (id INTEGER PRIMARY KEY, raw BLOB);
CREATE TABLE IF NOT EXISTS audit_log (event_id TEXT PRIMARY KEY, kind TEXT, detail TEXT, occurred_at TEXT);
`

// SQLiteRepository is a single-file embedded Repository for dev-mode
// deployments where running a Postgres instance is unnecessary overhead.
// cmd/router does not select it: a non-empty DB_URL always opens Postgres.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens (creating if absent) path and applies
// SQLiteSchema.
func OpenSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: apply sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (s *SQLiteRepository) SaveDecision(ctx context.Context, d Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO decisions (correlation_id, tenant, project, primary_model, exploration_model, strategy, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.CorrelationID, d.Tenant, d.Project, d.Primary, d.Exploration, d.Strategy, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("repository: save decision: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) SaveCostRecord(ctx context.Context, r CostRecordEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cost_records (event_id, correlation_id, provider, model, tenant, project, input_tokens, output_tokens, cost_usd, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.CorrelationID, r.Provider, r.Model, r.Tenant, r.Project, r.InputTokens, r.OutputTokens, r.CostUSD, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("repository: save cost record: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) LoadRegistry(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM registry_blob WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: load registry: %w", err)
	}
	return raw, nil
}

func (s *SQLiteRepository) SaveRegistry(ctx context.Context, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO registry_blob (id, raw) VALUES (1, ?)`, raw)
	if err != nil {
		return fmt.Errorf("repository: save registry: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) AppendAudit(ctx context.Context, e AuditEvent) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("repository: marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO audit_log (event_id, kind, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		e.EventID, e.Kind, detail, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("repository: append audit: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Close() error { return s.db.Close() }
