// Package repository implements the persistence capability set the core
// depends on (spec §6.4): saveDecision, saveCostRecord, loadRegistry,
// saveRegistry, appendAudit. The core never constructs SQL beyond what
// lives in this package's Postgres/SQLite implementations — callers only
// ever see the Repository interface.
package repository

import (
	"context"
	"time"
)

// Decision is the persisted record of one selection outcome.
type Decision struct {
	CorrelationID string
	Tenant        string
	Project       string
	Primary       string
	Exploration   string
	Strategy      string
	DecidedAt     time.Time
}

// CostRecordEntry is the persisted form of a cost.Record plus its
// idempotency key.
type CostRecordEntry struct {
	EventID       string
	CorrelationID string
	Provider      string
	Model         string
	Tenant        string
	Project       string
	InputTokens   int64
	OutputTokens  int64
	CostUSD       float64
	RecordedAt    time.Time
}

// AuditEvent is an append-only audit log entry.
type AuditEvent struct {
	EventID   string
	Kind      string
	Detail    map[string]any
	OccurredAt time.Time
}

// Repository is the persistence capability set of spec §6.4. All
// operations are async-safe (callers may invoke them from a goroutine
// pool) and idempotent on CorrelationID or EventID: calling the same
// operation twice with the same id is a no-op the second time.
type Repository interface {
	SaveDecision(ctx context.Context, d Decision) error
	SaveCostRecord(ctx context.Context, r CostRecordEntry) error
	LoadRegistry(ctx context.Context) ([]byte, error)
	SaveRegistry(ctx context.Context, raw []byte) error
	AppendAudit(ctx context.Context, e AuditEvent) error
}
