// Package registry holds the model catalog (spec §4.1-ish leaf "Model
// Registry", component C) as a copy-on-write snapshot: readers hold a
// cheap immutable reference, writers publish a new snapshot atomically
// (spec §5, §9).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/atp-platform/routing-core/pkg/atperr"
	"github.com/atp-platform/routing-core/pkg/candidate"
)

// Snapshot is one immutable view of the catalog.
type Snapshot struct {
	Records map[string]candidate.RegistryRecord // keyed by name
	version uint64
}

// Sorted returns the records sorted by name for deterministic iteration.
func (s *Snapshot) Sorted() []candidate.RegistryRecord {
	out := make([]candidate.RegistryRecord, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Candidates projects every non-sunset record into a Candidate.
func (s *Snapshot) Candidates() []candidate.Candidate {
	out := make([]candidate.Candidate, 0, len(s.Records))
	for _, r := range s.Sorted() {
		if r.Status == candidate.StatusSunset {
			continue
		}
		out = append(out, r.ToCandidate())
	}
	return out
}

// Registry is the live, hot-reloadable catalog. Load/Reload publish a new
// Snapshot via an atomic pointer swap; Current() is wait-free for readers.
type Registry struct {
	current *atomic.Pointer[Snapshot]
	store   FileStore
	custody *CustodyLog
}

// New constructs an empty Registry backed by store, auditing mutations to
// custody.
func New(store FileStore, custody *CustodyLog) *Registry {
	p := &atomic.Pointer[Snapshot]{}
	p.Store(&Snapshot{Records: map[string]candidate.RegistryRecord{}})
	return &Registry{current: p, store: store, custody: custody}
}

// Current returns the live snapshot. Safe for concurrent use; never
// blocks on a concurrent Reload.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Load reads the registry file, validates it, and publishes it as the
// initial snapshot. A corrupt file halts startup (spec §6.2,
// RegistryCorruption at load).
func (r *Registry) Load(ctx context.Context) error {
	raw, err := r.store.Read(ctx)
	if err != nil {
		return atperr.New(atperr.KindDependency, "registry.load", err)
	}
	snap, err := decodeAndVerify(raw)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	if r.custody != nil {
		if _, err := r.custody.Append(map[string]any{"event": "load", "record_count": len(snap.Records)}); err != nil {
			return fmt.Errorf("registry: custody append: %w", err)
		}
	}
	return nil
}

// Reload re-reads the file and atomically swaps the snapshot. Unlike
// Load, a corrupt record here is isolated rather than halting the whole
// reload: spec §7 says integrity errors "isolate the offending record and
// continue" at runtime, reserving halt-on-load for startup only.
func (r *Registry) Reload(ctx context.Context) (skipped []string, err error) {
	raw, err := r.store.Read(ctx)
	if err != nil {
		return nil, atperr.New(atperr.KindDependency, "registry.reload", err)
	}

	var rows []candidate.RegistryRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, atperr.New(atperr.KindIntegrity, "registry.reload", atperr.ErrRegistryCorruption).WithContext("cause", err.Error())
	}

	prev := r.current.Load()
	records := make(map[string]candidate.RegistryRecord, len(rows))
	for _, rec := range rows {
		ok, verr := candidate.VerifyManifestHash(rec)
		if verr != nil || !ok {
			skipped = append(skipped, rec.Name)
			continue
		}
		if prior, existed := prev.Records[rec.Name]; existed {
			if violatesSemverDowngrade(prior, rec) {
				skipped = append(skipped, rec.Name)
				continue
			}
		}
		records[rec.Name] = rec
	}

	next := &Snapshot{Records: records, version: prev.version + 1}
	r.current.Store(next)

	if r.custody != nil {
		if _, cerr := r.custody.Append(map[string]any{
			"event": "reload", "record_count": len(records), "skipped": skipped, "version": next.version,
		}); cerr != nil {
			return skipped, fmt.Errorf("registry: custody append: %w", cerr)
		}
	}
	return skipped, nil
}

// Save serializes the current snapshot back to the file store.
func (r *Registry) Save(ctx context.Context) error {
	snap := r.current.Load()
	raw, err := json.Marshal(snap.Sorted())
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if err := r.store.Write(ctx, raw); err != nil {
		return atperr.New(atperr.KindDependency, "registry.save", err)
	}
	return nil
}

func decodeAndVerify(raw []byte) (*Snapshot, error) {
	if err := ValidateFileSchema(raw); err != nil {
		return nil, atperr.New(atperr.KindIntegrity, "registry.decode", atperr.ErrRegistryCorruption).WithContext("cause", err.Error())
	}
	var rows []candidate.RegistryRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, atperr.New(atperr.KindIntegrity, "registry.decode", atperr.ErrRegistryCorruption).WithContext("cause", err.Error())
	}
	records := make(map[string]candidate.RegistryRecord, len(rows))
	for _, rec := range rows {
		ok, err := candidate.VerifyManifestHash(rec)
		if err != nil || !ok {
			return nil, atperr.New(atperr.KindIntegrity, "registry.decode", atperr.ErrRegistryCorruption).WithContext("record", rec.Name)
		}
		records[rec.Name] = rec
	}
	return &Snapshot{Records: records}, nil
}

// versionTag extracts the "version:<semver>" tag from a record, if present.
func versionTag(r candidate.RegistryRecord) (*semver.Version, bool) {
	const prefix = "version:"
	for _, t := range r.Tags {
		if len(t) > len(prefix) && t[:len(prefix)] == prefix {
			v, err := semver.NewVersion(t[len(prefix):])
			if err == nil {
				return v, true
			}
		}
	}
	return nil, false
}

// violatesSemverDowngrade guards against silently downgrading an active
// model's pinned version on reload (original_source supplement: rollout
// safety isn't in the distilled spec but is present in the source system).
func violatesSemverDowngrade(prior, next candidate.RegistryRecord) bool {
	if next.Status != candidate.StatusActive || prior.Status != candidate.StatusActive {
		return false
	}
	priorV, ok1 := versionTag(prior)
	nextV, ok2 := versionTag(next)
	if !ok1 || !ok2 {
		return false
	}
	return nextV.LessThan(priorV)
}
