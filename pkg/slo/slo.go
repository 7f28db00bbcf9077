// Package slo implements the SLO Tracker (spec §4.8): rolling-window
// percentage computation per SLO target, with status transitions and
// alerting on entry to critical.
package slo

import (
	"sync"
	"time"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/clock"
)

// TargetName enumerates the four SLO dimensions spec §4.8 names.
type TargetName string

const (
	TargetAvailability   TargetName = "availability"
	TargetLatencyP95     TargetName = "latency_p95"
	TargetErrorRate      TargetName = "error_rate"
	TargetCostEfficiency TargetName = "cost_efficiency"
)

// Status is the health classification of one SLO target.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Target configures one SLO's thresholds and measurement window.
type Target struct {
	Name               TargetName
	TargetPct          float64
	AlertThresholdPct  float64
	MeasurementWindow  time.Duration
}

type sample struct {
	at      time.Time
	success bool
}

type targetState struct {
	mu      sync.Mutex
	cfg     Target
	samples []sample
	status  Status
}

// Tracker maintains one targetState per configured SLO target.
type Tracker struct {
	mu      sync.RWMutex
	targets map[TargetName]*targetState
	alerts  alert.Sink
	clock   clock.Clock
}

func NewTracker(targets []Target, alerts alert.Sink, c clock.Clock) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	t := &Tracker{targets: make(map[TargetName]*targetState, len(targets)), alerts: alerts, clock: c}
	for _, cfg := range targets {
		t.targets[cfg.Name] = &targetState{cfg: cfg, status: StatusHealthy}
	}
	return t
}

// Record appends a pass/fail observation for name at the current time.
func (t *Tracker) Record(name TargetName, success bool) {
	t.mu.RLock()
	ts, ok := t.targets[name]
	t.mu.RUnlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	ts.samples = append(ts.samples, sample{at: t.clock.Now(), success: success})
	ts.mu.Unlock()
}

// Recompute runs the §4.8 status transition for every target: evict
// samples outside the measurement window, compute current_pct, and emit
// SLOViolation on a fresh transition into critical. Intended to run every
// 60s from the background task supervisor.
func (t *Tracker) Recompute() map[TargetName]Status {
	t.mu.RLock()
	targets := make([]*targetState, 0, len(t.targets))
	for _, ts := range t.targets {
		targets = append(targets, ts)
	}
	t.mu.RUnlock()

	out := make(map[TargetName]Status, len(targets))
	now := t.clock.Now()
	for _, ts := range targets {
		ts.mu.Lock()
		cutoff := now.Add(-ts.cfg.MeasurementWindow)
		kept := ts.samples[:0]
		for _, s := range ts.samples {
			if s.at.After(cutoff) {
				kept = append(kept, s)
			}
		}
		ts.samples = kept

		currentPct := 100.0
		if len(ts.samples) > 0 {
			successes := 0
			for _, s := range ts.samples {
				if s.success {
					successes++
				}
			}
			currentPct = float64(successes) / float64(len(ts.samples)) * 100.0
		}

		prior := ts.status
		var next Status
		switch {
		case currentPct >= ts.cfg.TargetPct:
			next = StatusHealthy
		case currentPct >= ts.cfg.AlertThresholdPct:
			next = StatusWarning
		default:
			next = StatusCritical
		}
		ts.status = next
		name := ts.cfg.Name
		ts.mu.Unlock()

		if next == StatusCritical && prior != StatusCritical && t.alerts != nil {
			t.alerts.Emit(alert.Alert{
				Kind:        "SLOViolation",
				Severity:    alert.SeverityCritical,
				Labels:      map[string]string{"slo": string(name)},
				Payload:     map[string]any{"current_pct": currentPct},
				CooldownKey: "slo_violation::" + string(name),
			})
		}
		out[name] = next
	}
	return out
}

// Status returns the last-computed status for a target.
func (t *Tracker) Status(name TargetName) Status {
	t.mu.RLock()
	ts, ok := t.targets[name]
	t.mu.RUnlock()
	if !ok {
		return StatusHealthy
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status
}
