// Package regret implements the Regret Calculator (spec §4.5): how much
// more the chosen candidate cost versus the cheapest candidate that was
// actually viable for the same request.
package regret

import (
	"github.com/atp-platform/routing-core/pkg/candidate"
	"github.com/atp-platform/routing-core/pkg/selection"
)

// Analysis is one regret computation's result.
type Analysis struct {
	ViableCandidates int
	Optimal          string // model name, or "none" when ViableCandidates == 0
	ChosenCost       float64
	OptimalCost      float64
	RegretAmount     float64
	RegretPct        float64
}

// HistogramBuckets are the exact bucket boundaries spec §4.5 mandates for
// the regret_pct histogram.
var HistogramBuckets = []float64{0, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100}

// CostResolver resolves a registry record's cost-per-1k-tokens through
// whatever live-pricing/carbon pipeline the Selection Engine used to price
// the chosen candidate. Compute uses it to price the optimal candidate on
// the same basis as chosen — pricing them on two different bases (one
// live/carbon-adjusted, one raw static) can make chosen_cost fall below
// optimal_cost even when chosen really was the best option, producing a
// negative regret_amount and violating the "regret_amount >= 0" property.
type CostResolver interface {
	ResolveCost(record candidate.RegistryRecord, region string) float64
}

// Calculator recomputes the Viable set for the request the same way the
// Selection Engine does (§4.4 steps 2-3), so regret is measured against
// what was actually available at decision time, not a stale snapshot.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

// Compute implements §4.5. safetyRequired and latencySLOMs must be the
// same values the orchestrator passed to the Selection Engine for this
// request (resolving the spec's Open Question: the viable-set filter is
// parameterized by the request, never a hardcoded safety grade). resolver
// prices every viable candidate the same way the engine priced chosen; a
// nil resolver falls back to each record's raw static cost.
func (c *Calculator) Compute(
	chosen candidate.Candidate,
	records []candidate.RegistryRecord,
	safetyRequired candidate.SafetyGrade,
	latencySLOMs int,
	totalTokens int64,
	resolver CostResolver,
	region string,
) Analysis {
	viable := selection.FilterViable(records, safetyRequired, latencySLOMs, true)
	if len(viable) == 0 {
		viable = selection.FilterViable(records, safetyRequired, latencySLOMs, false)
	}
	if len(viable) == 0 {
		return Analysis{ViableCandidates: 0, Optimal: "none"}
	}

	costOf := func(r candidate.RegistryRecord) float64 {
		if resolver != nil {
			return resolver.ResolveCost(r, region)
		}
		return r.ToCandidate().CostPer1kTokens
	}

	optimal := viable[0]
	optimalCostPer1k := costOf(optimal)
	for _, v := range viable[1:] {
		if vc := costOf(v); vc < optimalCostPer1k {
			optimal = v
			optimalCostPer1k = vc
		}
	}

	tokens := float64(totalTokens)
	chosenCost := chosen.CostPer1kTokens / 1000.0 * tokens
	optimalCost := optimalCostPer1k / 1000.0 * tokens

	regretAmount := chosenCost - optimalCost
	var regretPct float64
	if optimalCost != 0 {
		regretPct = regretAmount / optimalCost * 100.0
	}

	return Analysis{
		ViableCandidates: len(viable),
		Optimal:          optimal.Name,
		ChosenCost:       chosenCost,
		OptimalCost:      optimalCost,
		RegretAmount:     regretAmount,
		RegretPct:        regretPct,
	}
}

// Bucket returns the histogram bucket index regretPct falls into, for
// callers that want to increment a fixed-bucket counter rather than use
// an OTel histogram instrument directly.
func Bucket(regretPct float64) int {
	for i, b := range HistogramBuckets {
		if regretPct <= b {
			return i
		}
	}
	return len(HistogramBuckets)
}
