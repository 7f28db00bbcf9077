package incident_test

import (
	"context"
	"testing"
	"time"

	"github.com/atp-platform/routing-core/pkg/incident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrigger(t *testing.T, rules []incident.Rule) *incident.Trigger {
	t.Helper()
	engine, err := incident.NewConditionEngine()
	require.NoError(t, err)
	return incident.NewTrigger(engine, rules, []byte("test-secret-key-0123456789"), nil)
}

func TestEvaluate_MatchedConditionProducesIntent(t *testing.T) {
	tg := newTrigger(t, []incident.Rule{
		{Condition: incident.ConditionHighErrorRate, Expression: `signals.error_rate > 0.5`, IntentKind: "restart_pool"},
	})
	intents, err := tg.Evaluate(context.Background(), map[string]any{"error_rate": 0.9})
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "restart_pool", intents[0].Kind)
}

func TestEvaluate_UnmatchedConditionProducesNoIntent(t *testing.T) {
	tg := newTrigger(t, []incident.Rule{
		{Condition: incident.ConditionHighErrorRate, Expression: `signals.error_rate > 0.5`, IntentKind: "restart_pool"},
	})
	intents, err := tg.Evaluate(context.Background(), map[string]any{"error_rate": 0.1})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestEvaluate_RequiresApprovalQueuesInsteadOfDispatching(t *testing.T) {
	tg := newTrigger(t, []incident.Rule{
		{Condition: incident.ConditionBudgetExceeded, Expression: `signals.budget_exceeded == true`, IntentKind: "disable_tenant", RequiresApproval: true},
	})
	intents, err := tg.Evaluate(context.Background(), map[string]any{"budget_exceeded": true})
	require.NoError(t, err)
	assert.Empty(t, intents)
	assert.Len(t, tg.Pending(), 1)
}

func TestEvaluate_RateLimitsPerIntentKind(t *testing.T) {
	tg := newTrigger(t, []incident.Rule{
		{Condition: incident.ConditionCacheErrors, Expression: `signals.cache_errors == true`, IntentKind: "flush_cache", MaxExecutionsPerHour: 1},
	})
	first, err := tg.Evaluate(context.Background(), map[string]any{"cache_errors": true})
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := tg.Evaluate(context.Background(), map[string]any{"cache_errors": true})
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestApprove_ValidTokenReleasesPendingIntent(t *testing.T) {
	tg := newTrigger(t, []incident.Rule{
		{Condition: incident.ConditionSecurityViolation, Expression: `signals.security_violation == true`, IntentKind: "lock_account", RequiresApproval: true},
	})
	_, err := tg.Evaluate(context.Background(), map[string]any{"security_violation": true})
	require.NoError(t, err)
	pending := tg.Pending()
	require.Len(t, pending, 1)

	token, err := tg.IssueApprovalToken(pending[0].ID, "oncall@example.com", time.Minute)
	require.NoError(t, err)

	released, err := tg.Approve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, released.ID)
	assert.Empty(t, tg.Pending())
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(context.Context, string, int) (bool, error) { return false, nil }

// TestEvaluate_UsesInjectedRateLimiter proves Evaluate actually consults
// whatever budget.RateLimiter NewTrigger was given (e.g. a Redis-backed
// one shared across replicas) rather than always falling back to an
// in-process default.
func TestEvaluate_UsesInjectedRateLimiter(t *testing.T) {
	engine, err := incident.NewConditionEngine()
	require.NoError(t, err)
	tg := incident.NewTrigger(engine, []incident.Rule{
		{Condition: incident.ConditionHighErrorRate, Expression: `signals.error_rate > 0.5`, IntentKind: "restart_pool"},
	}, []byte("test-secret-key-0123456789"), denyingLimiter{})

	intents, err := tg.Evaluate(context.Background(), map[string]any{"error_rate": 0.9})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestApprove_RejectsTokenForUnknownIntent(t *testing.T) {
	tg := newTrigger(t, nil)
	token, err := tg.IssueApprovalToken("never-queued", "oncall@example.com", time.Minute)
	require.NoError(t, err)
	_, err = tg.Approve(context.Background(), token)
	assert.Error(t, err)
}
