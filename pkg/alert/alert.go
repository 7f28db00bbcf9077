// Package alert implements the shared Alert type and cooldown dedup rule
// (spec §3 Alert, used by budget, anomaly, SLO, and incident components).
package alert

import (
	"sync"
	"time"

	"github.com/atp-platform/routing-core/pkg/clock"
)

// Severity mirrors the alert severities referenced across §4.7-§4.9.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is the common envelope emitted by every detector in the system.
type Alert struct {
	Kind        string
	Severity    Severity
	Labels      map[string]string
	Payload     map[string]any
	CreatedAt   time.Time
	CooldownKey string
}

const defaultCooldown = 5 * time.Minute

// Sink receives deduplicated alerts. The orchestrator wires this to
// logging/metrics/notification fan-out; components never call a
// notification transport directly.
type Sink interface {
	Emit(a Alert)
}

// FuncSink adapts a function to Sink.
type FuncSink func(Alert)

func (f FuncSink) Emit(a Alert) { f(a) }

// Dispatcher deduplicates alerts sharing a CooldownKey within a 5 minute
// window (spec §3) before handing them to the underlying Sink. A
// background GC sweep (Sweep) evicts cooldown entries that have expired,
// bounding memory for cooldown keys that stop firing.
type Dispatcher struct {
	mu       sync.Mutex
	sink     Sink
	cooldown time.Duration
	lastSeen map[string]time.Time
	clock    clock.Clock
}

func NewDispatcher(sink Sink, c clock.Clock) *Dispatcher {
	if c == nil {
		c = clock.Real()
	}
	return &Dispatcher{sink: sink, cooldown: defaultCooldown, lastSeen: make(map[string]time.Time), clock: c}
}

// Emit drops the alert if an alert with the same CooldownKey fired within
// the cooldown window; otherwise records the firing and forwards to Sink.
// Alerts with an empty CooldownKey are never deduplicated.
func (d *Dispatcher) Emit(a Alert) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.clock.Now()
	}
	if a.CooldownKey == "" {
		d.sink.Emit(a)
		return
	}

	d.mu.Lock()
	last, seen := d.lastSeen[a.CooldownKey]
	now := d.clock.Now()
	if seen && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return
	}
	d.lastSeen[a.CooldownKey] = now
	d.mu.Unlock()

	d.sink.Emit(a)
}

// Sweep evicts cooldown bookkeeping entries older than the cooldown
// window. Intended to run periodically from the background task
// supervisor (spec §5).
func (d *Dispatcher) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for k, t := range d.lastSeen {
		if now.Sub(t) >= d.cooldown {
			delete(d.lastSeen, k)
		}
	}
}
