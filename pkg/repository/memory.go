package repository

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process Repository, the default for tests and
// single-node dev setups that don't need durable persistence.
type MemoryRepository struct {
	mu        sync.Mutex
	decisions map[string]Decision
	costs     map[string]CostRecordEntry
	registry  []byte
	audit     map[string]AuditEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		decisions: make(map[string]Decision),
		costs:     make(map[string]CostRecordEntry),
		audit:     make(map[string]AuditEvent),
	}
}

func (m *MemoryRepository) SaveDecision(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.decisions[d.CorrelationID]; exists {
		return nil
	}
	m.decisions[d.CorrelationID] = d
	return nil
}

func (m *MemoryRepository) SaveCostRecord(_ context.Context, r CostRecordEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.costs[r.EventID]; exists {
		return nil
	}
	m.costs[r.EventID] = r
	return nil
}

func (m *MemoryRepository) LoadRegistry(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.registry))
	copy(out, m.registry)
	return out, nil
}

func (m *MemoryRepository) SaveRegistry(_ context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = append([]byte(nil), raw...)
	return nil
}

func (m *MemoryRepository) AppendAudit(_ context.Context, e AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.audit[e.EventID]; exists {
		return nil
	}
	m.audit[e.EventID] = e
	return nil
}

// Decisions returns a snapshot of saved decisions, for test assertions.
func (m *MemoryRepository) Decisions() map[string]Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Decision, len(m.decisions))
	for k, v := range m.decisions {
		out[k] = v
	}
	return out
}
