package pricing

import (
	"sync"
	"time"

	"github.com/atp-platform/routing-core/pkg/clock"
)

// Key identifies one provider:model pair in the cache.
type Key struct {
	Provider string
	Model    string
}

type cacheEntry struct {
	value   Entry
	expires time.Time
}

// Cache is a TTL'd pricing store with change-detection (spec §4.2). `Get`
// is wait-free under a single read lock; `Set` serializes per key via the
// same RWMutex (cheap enough at this scale — a sharded-lock upgrade would
// be the next step if contention becomes visible in profiling, grounded
// on the in-memory-map pattern throughout the teacher's finance/budget
// packages). Change-log writes never block readers — they use a separate
// mutex than the map.
type Cache struct {
	mu              sync.RWMutex
	entries         map[Key]cacheEntry
	ttl             time.Duration
	changeThreshold float64

	changeMu sync.Mutex
	changes  []Change
	ringCap  int

	clock clock.Clock
}

// NewCache builds a Cache with the given TTL and change-detection
// threshold percent (spec §6.6 PRICING_CHANGE_THRESHOLD).
func NewCache(ttl time.Duration, changeThresholdPercent float64, ringCap int, c clock.Clock) *Cache {
	if c == nil {
		c = clock.Real()
	}
	if ringCap <= 0 {
		ringCap = 500
	}
	return &Cache{
		entries:         make(map[Key]cacheEntry),
		ttl:             ttl,
		changeThreshold: changeThresholdPercent,
		ringCap:         ringCap,
		clock:           c,
	}
}

// Get returns the cached entry, or (Entry{}, false) on miss or expiry.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.clock.Now().After(e.expires) {
		return Entry{}, false
	}
	return e.value, true
}

// Set stores value, comparing against any prior value to detect a
// significant price change (P6: setting the identical value twice emits
// the change at most once).
func (c *Cache) Set(key Key, value Entry) {
	c.mu.Lock()
	prior, hadPrior := c.entries[key]
	c.entries[key] = cacheEntry{value: value, expires: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()

	if !hadPrior {
		return
	}
	c.detectChange(key, prior.value, value)
}

func (c *Cache) detectChange(key Key, prior, current Entry) {
	now := c.clock.Now()
	if pct, changed := pctChange(prior.InputPer1k, current.InputPer1k); changed && aboveThreshold(pct, c.changeThreshold) {
		c.pushChange(Change{Provider: key.Provider, Model: key.Model, TokenType: TokenInput,
			PreviousPrice: prior.InputPer1k, CurrentPrice: current.InputPer1k, ChangePercent: pct, DetectedAt: now})
	}
	if pct, changed := pctChange(prior.OutputPer1k, current.OutputPer1k); changed && aboveThreshold(pct, c.changeThreshold) {
		c.pushChange(Change{Provider: key.Provider, Model: key.Model, TokenType: TokenOutput,
			PreviousPrice: prior.OutputPer1k, CurrentPrice: current.OutputPer1k, ChangePercent: pct, DetectedAt: now})
	}
}

func pctChange(prior, current float64) (pct float64, changed bool) {
	if prior == current {
		return 0, false
	}
	if prior == 0 {
		return 0, false
	}
	return (current - prior) / prior * 100, true
}

func aboveThreshold(pct, threshold float64) bool {
	if pct < 0 {
		pct = -pct
	}
	return pct >= threshold
}

// pushChange appends to the bounded ring; newest wins on overflow.
func (c *Cache) pushChange(ch Change) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changes = append(c.changes, ch)
	if len(c.changes) > c.ringCap {
		c.changes = c.changes[len(c.changes)-c.ringCap:]
	}
}

// Changes returns a snapshot of the change ring.
func (c *Cache) Changes() []Change {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	out := make([]Change, len(c.changes))
	copy(out, c.changes)
	return out
}

// GetByProviderModel adapts Get to the (provider, model string) shape the
// selection engine's PricingLookup interface expects.
func (c *Cache) GetByProviderModel(provider, model string) (Entry, bool) {
	return c.Get(Key{Provider: provider, Model: model})
}

// Lookup adapts a Cache to the selection engine's PricingLookup interface
// (selection.PricingLookup wants Get(provider, model string), which
// collides with Cache.Get's Key-based signature under the same name).
type Lookup struct {
	Cache *Cache
}

func (l Lookup) Get(provider, model string) (Entry, bool) {
	return l.Cache.GetByProviderModel(provider, model)
}

// GetStale scans for entries older than threshold, for reporting.
func (c *Cache) GetStale(threshold time.Duration) map[Key]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.clock.Now()
	out := make(map[Key]Entry)
	for k, e := range c.entries {
		if e.value.IsStale(now, threshold) {
			out[k] = e.value
		}
	}
	return out
}
