package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/atp-platform/routing-core/pkg/clock"
	"github.com/atp-platform/routing-core/pkg/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetTwiceIdentical_EmitsChangeAtMostOnce(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	c := pricing.NewCache(time.Hour, 5.0, 100, fc)
	key := pricing.Key{Provider: "openai", Model: "gpt-4"}

	c.Set(key, pricing.Entry{InputPer1k: 0.01, OutputPer1k: 0.03})
	c.Set(key, pricing.Entry{InputPer1k: 0.015, OutputPer1k: 0.03}) // 50% jump
	c.Set(key, pricing.Entry{InputPer1k: 0.015, OutputPer1k: 0.03}) // identical, no new change

	changes := c.Changes()
	require.Len(t, changes, 1)
	assert.InDelta(t, 50.0, changes[0].ChangePercent, 0.01)
	assert.Equal(t, "high", changes[0].Severity(20.0))
}

func TestCache_GetMiss_ReturnsFalse(t *testing.T) {
	c := pricing.NewCache(time.Hour, 5.0, 100, nil)
	_, ok := c.Get(pricing.Key{Provider: "x", Model: "y"})
	assert.False(t, ok)
}

func TestCache_Get_ExpiresAfterTTL(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	c := pricing.NewCache(time.Minute, 5.0, 10, fc)
	key := pricing.Key{Provider: "openai", Model: "gpt-4"}
	c.Set(key, pricing.Entry{InputPer1k: 0.01, OutputPer1k: 0.03, CapturedAt: fc.Now()})

	_, ok := c.Get(key)
	assert.True(t, ok)

	fc.Advance(2 * time.Minute)
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestCache_GetStale_ReturnsOldEntries(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	c := pricing.NewCache(24*time.Hour, 5.0, 10, fc)
	key := pricing.Key{Provider: "openai", Model: "gpt-4"}
	c.Set(key, pricing.Entry{InputPer1k: 0.01, OutputPer1k: 0.03, CapturedAt: fc.Now()})

	fc.Advance(2 * time.Hour)
	stale := c.GetStale(time.Hour)
	assert.Len(t, stale, 1)
}

func TestCache_BelowThreshold_NoChangeEmitted(t *testing.T) {
	c := pricing.NewCache(time.Hour, 5.0, 10, nil)
	key := pricing.Key{Provider: "openai", Model: "gpt-4"}
	c.Set(key, pricing.Entry{InputPer1k: 0.01, OutputPer1k: 0.03})
	c.Set(key, pricing.Entry{InputPer1k: 0.0101, OutputPer1k: 0.03}) // 1% change
	assert.Empty(t, c.Changes())
}

func TestMockSource_DeterministicAcrossCalls(t *testing.T) {
	base := map[string]pricing.Entry{"gpt-4": {InputPer1k: 0.01, OutputPer1k: 0.03}}
	s := pricing.NewMockSource(base, 42)
	e1, err := s.GetModelPricing(context.Background(), "gpt-4")
	require.NoError(t, err)
	e2, err := s.GetModelPricing(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, e1.InputPer1k, e2.InputPer1k)
}
