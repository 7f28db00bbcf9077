// Package cost implements the Cost Aggregator (spec §4.6): an append-only
// in-memory sum store along {qos, provider, model, tenant, project} plus
// token/request counters, with live-pricing validation.
package cost

import (
	"sync"
	"sync/atomic"

	"github.com/atp-platform/routing-core/pkg/alert"
)

// Record is one completed request's cost attribution.
type Record struct {
	QOS           string
	Provider      string
	Model         string
	Tenant        string
	Project       string
	InputTokens   int64
	OutputTokens  int64
	ActualCostUSD float64
}

// Dimension names the five axes cost is summed along.
type Dimension string

const (
	DimQOS      Dimension = "qos"
	DimProvider Dimension = "provider"
	DimModel    Dimension = "model"
	DimTenant   Dimension = "tenant"
	DimProject  Dimension = "project"
)

type sums struct {
	costMicros   atomic.Int64 // USD * 1e6, avoids float CAS loops
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	requestCount atomic.Int64
}

func (s *sums) add(costUSD float64, inputTokens, outputTokens int64) {
	s.costMicros.Add(int64(costUSD * 1_000_000))
	s.inputTokens.Add(inputTokens)
	s.outputTokens.Add(outputTokens)
	s.requestCount.Add(1)
}

// Snapshot is a consistent read of one key's accumulated sums.
type Snapshot struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	RequestCount int64
}

func (s *sums) snapshot() Snapshot {
	return Snapshot{
		CostUSD:      float64(s.costMicros.Load()) / 1_000_000,
		InputTokens:  s.inputTokens.Load(),
		OutputTokens: s.outputTokens.Load(),
		RequestCount: s.requestCount.Load(),
	}
}

// PricingProjection resolves the expected cost for a record so Append can
// validate the actual cost against it (§4.6: "compare to live-pricing
// projection").
type PricingProjection interface {
	ProjectCostUSD(provider, model string, inputTokens, outputTokens int64) (float64, bool)
}

// Aggregator maintains the five dimension maps plus validation counters.
// Safe for concurrent writers; readers via Snapshot observe a consistent,
// monotonically non-decreasing per-key sum (each dimension's sums type
// uses only monotonic atomic adds, never a read-modify-replace of the
// whole struct).
type Aggregator struct {
	mu   sync.RWMutex
	dims map[Dimension]map[string]*sums

	validationTolerancePercent float64
	pricing                    PricingProjection
	alerts                     alert.Sink

	pricingValidationErrors atomic.Int64
}

func NewAggregator(validationTolerancePercent float64, pricing PricingProjection, alerts alert.Sink) *Aggregator {
	dims := make(map[Dimension]map[string]*sums, 5)
	for _, d := range []Dimension{DimQOS, DimProvider, DimModel, DimTenant, DimProject} {
		dims[d] = make(map[string]*sums)
	}
	return &Aggregator{dims: dims, validationTolerancePercent: validationTolerancePercent, pricing: pricing, alerts: alerts}
}

// Append records one completed request's cost, attributing it to every
// dimension key present on the record, and validates actual cost against
// the live-pricing projection if one is available.
func (a *Aggregator) Append(r Record) {
	keys := map[Dimension]string{
		DimQOS: r.QOS, DimProvider: r.Provider, DimModel: r.Model,
		DimTenant: r.Tenant, DimProject: r.Project,
	}
	for dim, key := range keys {
		if key == "" {
			continue
		}
		a.bucket(dim, key).add(r.ActualCostUSD, r.InputTokens, r.OutputTokens)
	}

	if a.pricing == nil {
		return
	}
	expected, ok := a.pricing.ProjectCostUSD(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
	if !ok || expected == 0 {
		return
	}
	delta := r.ActualCostUSD - expected
	if delta < 0 {
		delta = -delta
	}
	if delta/expected*100.0 > a.validationTolerancePercent {
		a.pricingValidationErrors.Add(1)
		if a.alerts != nil {
			a.alerts.Emit(alert.Alert{
				Kind:     "PricingValidation",
				Severity: alert.SeverityMedium,
				Labels:   map[string]string{"provider": r.Provider, "model": r.Model},
				Payload:  map[string]any{"actual_cost_usd": r.ActualCostUSD, "expected_cost_usd": expected},
			})
		}
	}
}

func (a *Aggregator) bucket(dim Dimension, key string) *sums {
	a.mu.RLock()
	s, ok := a.dims[dim][key]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.dims[dim][key]; ok {
		return s
	}
	s = &sums{}
	a.dims[dim][key] = s
	return s
}

// Snapshot returns every key's accumulated sums across all dimensions.
func (a *Aggregator) Snapshot() map[Dimension]map[string]Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Dimension]map[string]Snapshot, len(a.dims))
	for dim, keys := range a.dims {
		m := make(map[string]Snapshot, len(keys))
		for k, s := range keys {
			m[k] = s.snapshot()
		}
		out[dim] = m
	}
	return out
}

// PricingValidationErrors returns the running count of out-of-tolerance
// cost observations.
func (a *Aggregator) PricingValidationErrors() int64 {
	return a.pricingValidationErrors.Load()
}
