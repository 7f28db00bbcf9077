// Package incident implements the Incident Trigger (spec §4.9): mapping
// conditions to remediation intents, rate-limited per intent, with an
// approval queue gated by signed tokens for intents that require it.
package incident

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atp-platform/routing-core/pkg/budget"
)

// Condition names the fixed vocabulary spec §4.9 enumerates. Values
// prefixed slo_violation_ are dynamic (one per configured SLO target) and
// are not part of this constant list; a Rule may carry any Condition value.
type Condition string

const (
	ConditionHighErrorRate         Condition = "high_error_rate"
	ConditionServiceUnavailable    Condition = "service_unavailable"
	ConditionCacheErrors           Condition = "cache_errors"
	ConditionExternalServiceErrors Condition = "external_service_errors"
	ConditionDeploymentErrors      Condition = "deployment_errors"
	ConditionBudgetExceeded        Condition = "budget_exceeded"
	ConditionSecurityViolation     Condition = "security_violation"
)

// RemediationIntent is the opaque action the core hands off to an
// external collaborator for execution (spec §6.5).
type RemediationIntent struct {
	ID               string
	Kind             string
	Config           map[string]any
	RequiresApproval bool
}

// Rule binds a condition (as a CEL boolean expression over the signal
// map) to the remediation intent kind it should raise.
type Rule struct {
	Condition           Condition
	Expression          string
	IntentKind          string
	RequiresApproval    bool
	MaxExecutionsPerHour int
}

func DefaultMaxExecutionsPerHour() int { return 10 }

// Trigger evaluates configured rules against a signal snapshot, rate
// limits per intent kind via a token-bucket limiter (spec §4.9: a
// Redis-backed limiter in multi-replica deployments, so the hourly cap on
// an intent kind holds across every router process rather than per-process;
// budget.NewInProcessRateLimiter() when none is configured), and queues
// approval-gated intents rather than dispatching them.
type Trigger struct {
	engine      *ConditionEngine
	rules       []Rule
	limiter     budget.RateLimiter
	approvalKey []byte

	mu      sync.Mutex
	pending map[string]RemediationIntent
}

// NewTrigger wires limiter as the per-intent-kind rate limiter. A nil
// limiter falls back to an in-process token bucket (single-replica
// deployments, tests); pass a budget.RedisRateLimiter to share the cap
// across replicas.
func NewTrigger(engine *ConditionEngine, rules []Rule, approvalKey []byte, limiter budget.RateLimiter) *Trigger {
	if limiter == nil {
		limiter = budget.NewInProcessRateLimiter()
	}
	return &Trigger{
		engine:      engine,
		rules:       rules,
		limiter:     limiter,
		approvalKey: approvalKey,
		pending:     make(map[string]RemediationIntent),
	}
}

// Evaluate runs every rule against signals. Matched rules that pass their
// per-intent rate limit become a RemediationIntent; those requiring
// approval are queued (Pending) instead of being returned for immediate
// dispatch.
func (t *Trigger) Evaluate(ctx context.Context, signals map[string]any) ([]RemediationIntent, error) {
	var dispatchable []RemediationIntent
	for _, r := range t.rules {
		matched, err := t.engine.Evaluate(r.Expression, signals)
		if err != nil {
			return nil, fmt.Errorf("incident: rule %q: %w", r.Condition, err)
		}
		if !matched {
			continue
		}

		maxPerHour := r.MaxExecutionsPerHour
		if maxPerHour <= 0 {
			maxPerHour = DefaultMaxExecutionsPerHour()
		}
		allowed, err := t.limiter.Allow(ctx, r.IntentKind, maxPerHour)
		if err != nil {
			return nil, fmt.Errorf("incident: rate limiter: %w", err)
		}
		if !allowed {
			continue
		}

		intent := RemediationIntent{ID: newIntentID(), Kind: r.IntentKind, RequiresApproval: r.RequiresApproval}
		if r.RequiresApproval {
			t.mu.Lock()
			t.pending[intent.ID] = intent
			t.mu.Unlock()
			continue
		}
		dispatchable = append(dispatchable, intent)
	}
	return dispatchable, nil
}

// Pending returns the intents currently awaiting approval.
func (t *Trigger) Pending() []RemediationIntent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RemediationIntent, 0, len(t.pending))
	for _, i := range t.pending {
		out = append(out, i)
	}
	return out
}

// approvalClaims is the JWT payload an approver signs to release a
// queued intent for dispatch.
type approvalClaims struct {
	jwt.RegisteredClaims
	IntentID string `json:"intent_id"`
	Approver string `json:"approver"`
}

// IssueApprovalToken signs a bounded-lifetime token authorizing intentID
// to be dispatched, for a human or automated approver to present back to
// Approve.
func (t *Trigger) IssueApprovalToken(intentID, approver string, ttl time.Duration) (string, error) {
	claims := approvalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		IntentID: intentID,
		Approver: approver,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.approvalKey)
}

// Approve validates tokenStr and, if it authorizes a still-pending
// intent, removes it from the queue and returns it for dispatch.
func (t *Trigger) Approve(ctx context.Context, tokenStr string) (RemediationIntent, error) {
	var claims approvalClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return t.approvalKey, nil
	})
	if err != nil {
		return RemediationIntent{}, fmt.Errorf("incident: invalid approval token: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	intent, ok := t.pending[claims.IntentID]
	if !ok {
		return RemediationIntent{}, fmt.Errorf("incident: no pending intent %s", claims.IntentID)
	}
	delete(t.pending, claims.IntentID)
	return intent, nil
}

func newIntentID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
