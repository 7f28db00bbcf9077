package cost_test

import (
	"sync"
	"testing"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/cost"
	"github.com/stretchr/testify/assert"
)

type fixedProjection struct{ cost float64 }

func (f fixedProjection) ProjectCostUSD(string, string, int64, int64) (float64, bool) { return f.cost, true }

func TestAggregator_Append_SumsAcrossAllDimensions(t *testing.T) {
	a := cost.NewAggregator(10, nil, nil)
	a.Append(cost.Record{QOS: "premium", Provider: "openai", Model: "gpt-4", Tenant: "t1", Project: "p1", InputTokens: 100, OutputTokens: 50, ActualCostUSD: 0.01})
	a.Append(cost.Record{QOS: "premium", Provider: "openai", Model: "gpt-4", Tenant: "t1", Project: "p1", InputTokens: 100, OutputTokens: 50, ActualCostUSD: 0.01})

	snap := a.Snapshot()
	assert.Equal(t, int64(2), snap[cost.DimTenant]["t1"].RequestCount)
	assert.InDelta(t, 0.02, snap[cost.DimTenant]["t1"].CostUSD, 1e-9)
	assert.Equal(t, int64(200), snap[cost.DimModel]["gpt-4"].InputTokens)
}

func TestAggregator_Append_EmitsPricingValidationAlertAboveTolerance(t *testing.T) {
	var mu sync.Mutex
	var got []alert.Alert
	sink := alert.FuncSink(func(a alert.Alert) { mu.Lock(); got = append(got, a); mu.Unlock() })

	a := cost.NewAggregator(5, fixedProjection{cost: 1.0}, sink)
	a.Append(cost.Record{Provider: "openai", Model: "gpt-4", ActualCostUSD: 1.20})

	assert.Equal(t, int64(1), a.PricingValidationErrors())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, "PricingValidation", got[0].Kind)
}

func TestAggregator_Append_WithinToleranceNoAlert(t *testing.T) {
	a := cost.NewAggregator(10, fixedProjection{cost: 1.0}, alert.FuncSink(func(alert.Alert) { t.Fatal("unexpected alert") }))
	a.Append(cost.Record{Provider: "openai", Model: "gpt-4", ActualCostUSD: 1.02})
	assert.Equal(t, int64(0), a.PricingValidationErrors())
}

func TestAggregator_Append_ConcurrentWritesAreConsistent(t *testing.T) {
	a := cost.NewAggregator(10, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Append(cost.Record{Tenant: "t1", ActualCostUSD: 0.01, InputTokens: 1})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), a.Snapshot()[cost.DimTenant]["t1"].RequestCount)
}
