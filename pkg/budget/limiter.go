package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter enforces the hourly request cap per tenant. Both
// implementations are token buckets holding up to hourlyCap tokens and
// refilled continuously at hourlyCap/3600 per second; neither is a sliding
// window, so a full hour's cap can be spent in a single burst.
type RateLimiter interface {
	Allow(ctx context.Context, tenant string, hourlyCap int) (bool, error)
}

// InProcessRateLimiter is an in-memory token-bucket limiter, one bucket
// per tenant, refilled continuously toward an hourly cap. Used when no
// Redis endpoint is configured, or in single-process deployments/tests.
type InProcessRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInProcessRateLimiter() *InProcessRateLimiter {
	return &InProcessRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *InProcessRateLimiter) Allow(_ context.Context, tenant string, hourlyCap int) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		perSecond := rate.Limit(float64(hourlyCap) / 3600.0)
		lim = rate.NewLimiter(perSecond, hourlyCap)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// redisTokenBucketScript is a token bucket, refilled
// continuously at rate/sec toward capacity, adapted from the platform's
// shared rate-limiting kernel for the tenant hourly-cap use case.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)

return {allowed, tokens}
`)

// RedisRateLimiter implements RateLimiter atomically against a shared
// Redis instance, letting the hourly cap be enforced consistently across
// multiple router process replicas.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(addr, password string, db int) *RedisRateLimiter {
	return &RedisRateLimiter{client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, tenant string, hourlyCap int) (bool, error) {
	key := fmt.Sprintf("router:ratelimit:%s", tenant)
	perSecond := float64(hourlyCap) / 3600.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, perSecond, hourlyCap, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("budget: redis rate limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("budget: unexpected rate limiter script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
