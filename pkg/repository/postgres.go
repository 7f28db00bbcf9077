package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRepository implements Repository against a Postgres schema of
// four append-mostly tables (decisions, cost_records, registry_blob,
// audit_log), relying on unique constraints plus ON CONFLICT DO NOTHING
// for the idempotency spec §6.4 requires. The core never builds SQL
// beyond what's in this file.
type PostgresRepository struct {
	db *sql.DB
}

// OpenPostgresRepository opens a connection pool against dsn. Schema
// migration is an operational concern outside this package's scope; see
// Schema() for the DDL this implementation expects.
func OpenPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryWithDB wraps an already-open *sql.DB, primarily
// for tests that inject a go-sqlmock-backed DB.
func NewPostgresRepositoryWithDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Schema is the DDL this repository's queries assume exists.
const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	correlation_id TEXT PRIMARY KEY,
	tenant TEXT,
	project TEXT,
	primary_model TEXT,
	exploration_model TEXT,
	strategy TEXT,
	decided_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS cost_records (
	event_id TEXT PRIMARY KEY,
	correlation_id TEXT,
	provider TEXT,
	model TEXT,
	tenant TEXT,
	project TEXT,
	input_tokens BIGINT,
	output_tokens BIGINT,
	cost_usd DOUBLE PRECISION,
	recorded_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS registry_blob (
	id INT PRIMARY KEY DEFAULT 1,
	raw BYTEA
);
CREATE TABLE IF NOT EXISTS audit_log (
	event_id TEXT PRIMARY KEY,
	kind TEXT,
	detail JSONB,
	occurred_at TIMESTAMPTZ
);
`

func (p *PostgresRepository) SaveDecision(ctx context.Context, d Decision) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO decisions (correlation_id, tenant, project, primary_model, exploration_model, strategy, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO NOTHING`,
		d.CorrelationID, d.Tenant, d.Project, d.Primary, d.Exploration, d.Strategy, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("repository: save decision: %w", err)
	}
	return nil
}

func (p *PostgresRepository) SaveCostRecord(ctx context.Context, r CostRecordEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cost_records (event_id, correlation_id, provider, model, tenant, project, input_tokens, output_tokens, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING`,
		r.EventID, r.CorrelationID, r.Provider, r.Model, r.Tenant, r.Project, r.InputTokens, r.OutputTokens, r.CostUSD, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("repository: save cost record: %w", err)
	}
	return nil
}

func (p *PostgresRepository) LoadRegistry(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT raw FROM registry_blob WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: load registry: %w", err)
	}
	return raw, nil
}

func (p *PostgresRepository) SaveRegistry(ctx context.Context, raw []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO registry_blob (id, raw) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET raw = EXCLUDED.raw`, raw)
	if err != nil {
		return fmt.Errorf("repository: save registry: %w", err)
	}
	return nil
}

func (p *PostgresRepository) AppendAudit(ctx context.Context, e AuditEvent) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("repository: marshal audit detail: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_id, kind, detail, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Kind, detail, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("repository: append audit: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Close() error { return p.db.Close() }
