package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyRepo struct {
	mu     sync.Mutex
	fail   bool
	saved  []repository.CostRecordEntry
}

func (f *flakyRepo) SaveDecision(context.Context, repository.Decision) error { return nil }
func (f *flakyRepo) LoadRegistry(context.Context) ([]byte, error)            { return nil, nil }
func (f *flakyRepo) SaveRegistry(context.Context, []byte) error              { return nil }
func (f *flakyRepo) AppendAudit(context.Context, repository.AuditEvent) error { return nil }

func (f *flakyRepo) SaveCostRecord(_ context.Context, r repository.CostRecordEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("repository unavailable")
	}
	f.saved = append(f.saved, r)
	return nil
}

func TestRetryBuffer_QueuesOnFailureAndFlushesOnRecovery(t *testing.T) {
	repo := &flakyRepo{fail: true}
	rb := repository.NewRetryBuffer(repo, 10, 5, nil)

	require.NoError(t, rb.SaveCostRecord(context.Background(), repository.CostRecordEntry{EventID: "e1"}))
	assert.Equal(t, 1, rb.Depth())

	repo.fail = false
	rb.Flush(context.Background())
	assert.Equal(t, 0, rb.Depth())
	assert.Len(t, repo.saved, 1)
}

func TestRetryBuffer_DropsAfterMaxAttemptsWithAlert(t *testing.T) {
	var got []alert.Alert
	sink := alert.FuncSink(func(a alert.Alert) { got = append(got, a) })
	repo := &flakyRepo{fail: true}
	rb := repository.NewRetryBuffer(repo, 10, 1, sink)

	require.NoError(t, rb.SaveCostRecord(context.Background(), repository.CostRecordEntry{EventID: "e1"}))
	rb.Flush(context.Background())

	assert.Equal(t, int64(1), rb.Dropped())
	assert.Equal(t, 0, rb.Depth())
	require.Len(t, got, 1)
	assert.Equal(t, "CostRecordDropped", got[0].Kind)
}

func TestRetryBuffer_DropsOldestWhenCapacityExceeded(t *testing.T) {
	repo := &flakyRepo{fail: true}
	rb := repository.NewRetryBuffer(repo, 2, 5, nil)

	require.NoError(t, rb.SaveCostRecord(context.Background(), repository.CostRecordEntry{EventID: "e1"}))
	require.NoError(t, rb.SaveCostRecord(context.Background(), repository.CostRecordEntry{EventID: "e2"}))
	require.NoError(t, rb.SaveCostRecord(context.Background(), repository.CostRecordEntry{EventID: "e3"}))

	assert.Equal(t, 2, rb.Depth())
	assert.Equal(t, int64(1), rb.Dropped())
}
