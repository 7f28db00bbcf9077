// Package budget implements the Budget Manager (spec §4.10): per-tenant
// and per-project spend tracking, threshold-based enforcement, and an
// hourly request cap enforced by a token-bucket rate limiter.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/clock"
)

// Enforcement is the current enforcement level for a budget key.
type Enforcement string

const (
	EnforcementNone     Enforcement = "none"
	EnforcementThrottle Enforcement = "throttle"
	EnforcementBlock    Enforcement = "block"
)

// BudgetState tracks one tenant or project's spend against its monthly
// limit.
type BudgetState struct {
	MonthlyLimitUSD float64
	CurrentSpendUSD float64
	Enforcement     Enforcement
	BlockedUntil    time.Time
	HourlyCap       int
}

// UsagePct computes current_spend_usd / monthly_limit_usd * 100.
func (s BudgetState) UsagePct() float64 {
	if s.MonthlyLimitUSD <= 0 {
		return 0
	}
	return s.CurrentSpendUSD / s.MonthlyLimitUSD * 100.0
}

// Thresholds configures the two enforcement trip points (spec §6.6).
type Thresholds struct {
	WarningPercent  float64
	CriticalPercent float64
	BlockDuration   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{WarningPercent: 80, CriticalPercent: 95, BlockDuration: time.Hour}
}

// Decision is checkRequestAllowed's return value.
type Decision struct {
	Allowed        bool
	ThrottleFactor float64
	Reasons        []string
}

type keyState struct {
	mu    sync.Mutex
	state BudgetState
}

// Manager implements the Budget Manager. Each tenant/project key has its
// own lock (spec §5: "BudgetState per key uses fine-grained locks").
type Manager struct {
	mu         sync.RWMutex
	keys       map[string]*keyState
	thresholds Thresholds
	limiter    RateLimiter
	alerts     alert.Sink
	clock      clock.Clock
}

func NewManager(thresholds Thresholds, limiter RateLimiter, alerts alert.Sink, c clock.Clock) *Manager {
	if limiter == nil {
		limiter = NewInProcessRateLimiter()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Manager{keys: make(map[string]*keyState), thresholds: thresholds, limiter: limiter, alerts: alerts, clock: c}
}

// Configure sets or updates the monthly limit and hourly request cap for
// a budget key (tenant or project id). Safe to call concurrently with
// RecordSpend/CheckRequestAllowed.
func (m *Manager) Configure(key string, monthlyLimitUSD float64, hourlyCap int) {
	ks := m.keyStateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.state.MonthlyLimitUSD = monthlyLimitUSD
	ks.state.HourlyCap = hourlyCap
}

func (m *Manager) keyStateFor(key string) *keyState {
	m.mu.RLock()
	ks, ok := m.keys[key]
	m.mu.RUnlock()
	if ok {
		return ks
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ks, ok := m.keys[key]; ok {
		return ks
	}
	ks = &keyState{}
	m.keys[key] = ks
	return ks
}

// RecordSpend adds costUSD to key's current spend and reevaluates
// enforcement (spec §4.10: "On each cost record ... reevaluate").
func (m *Manager) RecordSpend(key string, costUSD float64) BudgetState {
	ks := m.keyStateFor(key)
	ks.mu.Lock()
	ks.state.CurrentSpendUSD += costUSD
	m.reevaluateLocked(key, ks)
	snapshot := ks.state
	ks.mu.Unlock()
	return snapshot
}

// reevaluateLocked must be called with ks.mu held.
func (m *Manager) reevaluateLocked(key string, ks *keyState) {
	usagePct := ks.state.UsagePct()
	now := m.clock.Now()

	switch {
	case usagePct >= m.thresholds.CriticalPercent:
		if ks.state.Enforcement != EnforcementBlock {
			ks.state.Enforcement = EnforcementBlock
			ks.state.BlockedUntil = now.Add(m.thresholds.BlockDuration)
			m.emit(alert.Alert{Kind: "budget_critical", Severity: alert.SeverityCritical,
				Labels: map[string]string{"key": key}, Payload: map[string]any{"usage_pct": usagePct},
				CooldownKey: "budget_critical::" + key})
		}
	case usagePct >= m.thresholds.WarningPercent:
		if ks.state.Enforcement == EnforcementBlock && now.Before(ks.state.BlockedUntil) {
			break
		}
		ks.state.Enforcement = EnforcementThrottle
		m.emit(alert.Alert{Kind: "budget_warning", Severity: alert.SeverityMedium,
			Labels: map[string]string{"key": key}, Payload: map[string]any{"usage_pct": usagePct},
			CooldownKey: "budget_warning::" + key})
	default:
		if ks.state.Enforcement == EnforcementBlock && now.Before(ks.state.BlockedUntil) {
			break
		}
		ks.state.Enforcement = EnforcementNone
	}
}

func (m *Manager) emit(a alert.Alert) {
	if m.alerts != nil {
		m.alerts.Emit(a)
	}
}

// throttleFactor implements f = max(0.1, (100 - usage_pct) / 100).
func throttleFactor(usagePct float64) float64 {
	f := (100 - usagePct) / 100.0
	if f < 0.1 {
		f = 0.1
	}
	return f
}

// CheckRequestAllowed implements the pre-request gate. tenant and project
// are each checked independently (empty string skips that check); either
// blocking gives an overall deny.
func (m *Manager) CheckRequestAllowed(ctx context.Context, tenant, project string, costEstimate float64) (Decision, error) {
	decision := Decision{Allowed: true, ThrottleFactor: 1.0}

	for _, key := range []string{tenant, project} {
		if key == "" {
			continue
		}
		ks := m.keyStateFor(key)
		ks.mu.Lock()
		now := m.clock.Now()
		if ks.state.Enforcement == EnforcementBlock && now.Before(ks.state.BlockedUntil) {
			decision.Allowed = false
			decision.Reasons = append(decision.Reasons, "budget_blocked:"+key)
			ks.mu.Unlock()
			continue
		}

		// Projective check (spec §4.10/§8 P7): block if this request's own
		// cost would push the key past the critical threshold, even if the
		// cached Enforcement level (set by the last RecordSpend) hasn't
		// caught up yet.
		if ks.state.MonthlyLimitUSD > 0 {
			projectedPct := (ks.state.CurrentSpendUSD + costEstimate) / ks.state.MonthlyLimitUSD * 100.0
			if projectedPct >= m.thresholds.CriticalPercent {
				decision.Allowed = false
				decision.Reasons = append(decision.Reasons, "budget_tenant_would_exceed:"+key)
				ks.mu.Unlock()
				continue
			}
		}

		if ks.state.Enforcement == EnforcementThrottle {
			f := throttleFactor(ks.state.UsagePct())
			if f < decision.ThrottleFactor {
				decision.ThrottleFactor = f
			}
			decision.Reasons = append(decision.Reasons, "budget_throttled:"+key)
		}
		hourlyCap := ks.state.HourlyCap
		ks.mu.Unlock()

		if decision.Allowed && hourlyCap > 0 {
			allowed, err := m.limiter.Allow(ctx, key, hourlyCap)
			if err != nil {
				return Decision{}, err
			}
			if !allowed {
				decision.Allowed = false
				decision.Reasons = append(decision.Reasons, "rate_limited:"+key)
			}
		}
	}

	return decision, nil
}

// State returns a point-in-time snapshot of one key's budget state.
func (m *Manager) State(key string) BudgetState {
	ks := m.keyStateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

// MonthlyReset clears CurrentSpendUSD and enforcement state for every
// known key atomically per key (spec §4.10: "clears current_spend_usd and
// all enforcement cache keys atomically").
func (m *Manager) MonthlyReset() {
	m.mu.RLock()
	keys := make([]*keyState, 0, len(m.keys))
	for _, ks := range m.keys {
		keys = append(keys, ks)
	}
	m.mu.RUnlock()

	for _, ks := range keys {
		ks.mu.Lock()
		ks.state.CurrentSpendUSD = 0
		ks.state.Enforcement = EnforcementNone
		ks.state.BlockedUntil = time.Time{}
		ks.mu.Unlock()
	}
}
