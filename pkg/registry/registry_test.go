package registry_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atp-platform/routing-core/pkg/candidate"
	"github.com/atp-platform/routing-core/pkg/clock"
	"github.com/atp-platform/routing-core/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct{ data []byte }

func (m *memStore) Read(context.Context) ([]byte, error)      { return m.data, nil }
func (m *memStore) Write(_ context.Context, d []byte) error   { m.data = d; return nil }

func withHash(t *testing.T, r candidate.RegistryRecord) candidate.RegistryRecord {
	t.Helper()
	h, err := candidate.ComputeManifestHash(r)
	require.NoError(t, err)
	r.ManifestHash = h
	return r
}

func marshalRows(t *testing.T, rows []candidate.RegistryRecord) []byte {
	t.Helper()
	raw, err := json.Marshal(rows)
	require.NoError(t, err)
	return raw
}

func TestRegistry_LoadAndReload_PreservesManifestHashes(t *testing.T) {
	rec := withHash(t, candidate.RegistryRecord{
		Name: "gpt-4", Provider: "openai", Status: candidate.StatusActive,
		SafetyGrade: candidate.SafetyA, QualityScore: 0.9, LatencyP95Ms: 900,
	})
	store := &memStore{data: marshalRows(t, []candidate.RegistryRecord{rec})}
	custody := registry.NewCustodyLog([]byte("test-key"), clock.NewFixed(time.Now()))
	reg := registry.New(store, custody)

	require.NoError(t, reg.Load(context.Background()))
	snap := reg.Current()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, rec.ManifestHash, snap.Records["gpt-4"].ManifestHash)

	skipped, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestRegistry_Load_RejectsTamperedManifestHash(t *testing.T) {
	rec := withHash(t, candidate.RegistryRecord{
		Name: "gpt-4", Provider: "openai", Status: candidate.StatusActive,
		SafetyGrade: candidate.SafetyA, QualityScore: 0.9,
	})
	rec.QualityScore = 0.1 // tamper after hash computed
	store := &memStore{data: marshalRows(t, []candidate.RegistryRecord{rec})}
	reg := registry.New(store, nil)

	err := reg.Load(context.Background())
	require.Error(t, err)
}

func TestRegistry_Reload_IsolatesOffendingRecordAndContinues(t *testing.T) {
	good := withHash(t, candidate.RegistryRecord{
		Name: "good", Provider: "openai", Status: candidate.StatusActive, SafetyGrade: candidate.SafetyA, QualityScore: 0.8,
	})
	bad := withHash(t, candidate.RegistryRecord{
		Name: "bad", Provider: "openai", Status: candidate.StatusActive, SafetyGrade: candidate.SafetyA, QualityScore: 0.8,
	})
	bad.QualityScore = 0.99 // tamper
	store := &memStore{data: marshalRows(t, []candidate.RegistryRecord{good})}
	reg := registry.New(store, nil)
	require.NoError(t, reg.Load(context.Background()))

	store.data = marshalRows(t, []candidate.RegistryRecord{good, bad})
	skipped, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, skipped)
	assert.Len(t, reg.Current().Records, 1)
}

func TestRegistry_Candidates_ExcludesSunsetOnly(t *testing.T) {
	active := withHash(t, candidate.RegistryRecord{Name: "active", Provider: "openai", Status: candidate.StatusActive, SafetyGrade: candidate.SafetyA, QualityScore: 0.5})
	shadow := withHash(t, candidate.RegistryRecord{Name: "shadow", Provider: "openai", Status: candidate.StatusShadow, SafetyGrade: candidate.SafetyA, QualityScore: 0.5})
	sunset := withHash(t, candidate.RegistryRecord{Name: "sunset", Provider: "openai", Status: candidate.StatusSunset, SafetyGrade: candidate.SafetyA, QualityScore: 0.5})
	store := &memStore{data: marshalRows(t, []candidate.RegistryRecord{active, shadow, sunset})}
	reg := registry.New(store, nil)
	require.NoError(t, reg.Load(context.Background()))

	names := map[string]bool{}
	for _, c := range reg.Current().Candidates() {
		names[c.Name] = true
	}
	assert.True(t, names["active"])
	assert.True(t, names["shadow"]) // shadow is filtered out later by the selector, not the registry
	assert.False(t, names["sunset"])
}

func TestCustodyLog_VerifyAcceptsIntactChain(t *testing.T) {
	c := registry.NewCustodyLog([]byte("k"), nil)
	_, err := c.Append(map[string]any{"event": "one"})
	require.NoError(t, err)
	_, err = c.Append(map[string]any{"event": "two"})
	require.NoError(t, err)
	require.NoError(t, c.Verify())
}
