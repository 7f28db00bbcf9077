package repository

import (
	"container/list"
	"context"
	"sync"

	"github.com/atp-platform/routing-core/pkg/alert"
)

// pendingWrite is a queued cost-record write awaiting retry.
type pendingWrite struct {
	entry   CostRecordEntry
	attempts int
}

// RetryBuffer wraps a Repository's SaveCostRecord with a bounded FIFO
// retry queue for the "dependency error during write" case spec §7
// describes: on repository failure, buffer and retry, and once the
// buffer is exhausted (capacity reached, or an entry exceeds maxAttempts)
// drop the oldest/offending record, increment a counter, and emit
// CostRecordDropped.
type RetryBuffer struct {
	mu          sync.Mutex
	repo        Repository
	queue       *list.List
	capacity    int
	maxAttempts int
	alerts      alert.Sink

	dropped int64
}

func NewRetryBuffer(repo Repository, capacity, maxAttempts int, alerts alert.Sink) *RetryBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RetryBuffer{repo: repo, queue: list.New(), capacity: capacity, maxAttempts: maxAttempts, alerts: alerts}
}

// SaveCostRecord attempts an immediate write; on failure it's queued for
// retry by Flush and this call returns nil (the caller's own write path
// is not blocked by a degraded repository).
func (b *RetryBuffer) SaveCostRecord(ctx context.Context, r CostRecordEntry) error {
	if err := b.repo.SaveCostRecord(ctx, r); err == nil {
		return nil
	}
	b.enqueue(r)
	return nil
}

func (b *RetryBuffer) enqueue(r CostRecordEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() >= b.capacity {
		oldest := b.queue.Front()
		b.queue.Remove(oldest)
		b.dropped++
		b.emitDropped(oldest.Value.(pendingWrite).entry, "buffer_full")
	}
	b.queue.PushBack(pendingWrite{entry: r, attempts: 0})
}

func (b *RetryBuffer) emitDropped(r CostRecordEntry, reason string) {
	if b.alerts == nil {
		return
	}
	b.alerts.Emit(alert.Alert{
		Kind:     "CostRecordDropped",
		Severity: alert.SeverityHigh,
		Labels:   map[string]string{"reason": reason, "event_id": r.EventID},
	})
}

// Flush retries every queued write once. Entries that fail and have
// exhausted maxAttempts are dropped with CostRecordDropped; others remain
// queued for the next Flush. Intended to run periodically from the
// background task supervisor.
func (b *RetryBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := make([]pendingWrite, 0, b.queue.Len())
	for e := b.queue.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(pendingWrite))
	}
	b.queue.Init()
	b.mu.Unlock()

	for _, pw := range pending {
		if err := b.repo.SaveCostRecord(ctx, pw.entry); err == nil {
			continue
		}
		pw.attempts++
		if pw.attempts >= b.maxAttempts {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.emitDropped(pw.entry, "max_attempts_exceeded")
			continue
		}
		b.mu.Lock()
		b.queue.PushBack(pw)
		b.mu.Unlock()
	}
}

// Dropped returns the running count of discarded cost records.
func (b *RetryBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Depth returns the current queue length, for health reporting.
func (b *RetryBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}
