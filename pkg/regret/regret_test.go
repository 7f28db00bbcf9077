package regret_test

import (
	"testing"

	"github.com/atp-platform/routing-core/pkg/candidate"
	"github.com/atp-platform/routing-core/pkg/regret"
	"github.com/stretchr/testify/assert"
)

func rec(name string, safety candidate.SafetyGrade, costIn, costOut float64) candidate.RegistryRecord {
	return candidate.RegistryRecord{Name: name, Status: candidate.StatusActive, SafetyGrade: safety, CostPerInputToken: costIn, CostPerOutputToken: costOut}
}

func TestCompute_ZeroRegretWhenChosenIsOptimal(t *testing.T) {
	c := regret.NewCalculator()
	records := []candidate.RegistryRecord{rec("cheap", candidate.SafetyA, 0.000001, 0.000001)}
	chosen := records[0].ToCandidate()

	a := c.Compute(chosen, records, candidate.SafetyA, 0, 1000, nil, "")
	assert.Equal(t, 0.0, a.RegretAmount)
	assert.Equal(t, "cheap", a.Optimal)
}

func TestCompute_PositiveRegretWhenChosenIsExpensive(t *testing.T) {
	c := regret.NewCalculator()
	records := []candidate.RegistryRecord{
		rec("cheap", candidate.SafetyA, 0.000001, 0.000001),
		rec("pricey", candidate.SafetyA, 0.00002, 0.00002),
	}
	chosen := records[1].ToCandidate()

	a := c.Compute(chosen, records, candidate.SafetyA, 0, 1000, nil, "")
	assert.Equal(t, "cheap", a.Optimal)
	assert.Greater(t, a.RegretAmount, 0.0)
	assert.Greater(t, a.RegretPct, 0.0)
}

func TestCompute_ZeroRegretAnalysisWhenNoViableCandidates(t *testing.T) {
	c := regret.NewCalculator()
	records := []candidate.RegistryRecord{rec("weak", candidate.SafetyD, 0.000001, 0.000001)}
	chosen := candidate.Candidate{Name: "weak"}

	a := c.Compute(chosen, records, candidate.SafetyA, 0, 1000, nil, "")
	assert.Equal(t, 0, a.ViableCandidates)
	assert.Equal(t, "none", a.Optimal)
}

type fixedResolver struct{ multiplier float64 }

func (f fixedResolver) ResolveCost(r candidate.RegistryRecord, _ string) float64 {
	return r.ToCandidate().CostPer1kTokens * f.multiplier
}

// TestCompute_ResolverPricesOptimalOnSameBasisAsChosen guards against a
// negative regret_amount when chosen was priced through a live-pricing or
// carbon-weighted pipeline but optimal would otherwise be priced off the
// raw static registry cost: both must be resolved through the same
// resolver, so scaling every candidate's cost by a uniform weight can never
// flip "chosen is optimal" into "chosen looks cheaper than optimal".
func TestCompute_ResolverPricesOptimalOnSameBasisAsChosen(t *testing.T) {
	c := regret.NewCalculator()
	records := []candidate.RegistryRecord{rec("only-viable", candidate.SafetyA, 0.000001, 0.000001)}
	resolver := fixedResolver{multiplier: 10}
	chosenStatic := records[0].ToCandidate()
	chosen := chosenStatic
	chosen.CostPer1kTokens = resolver.ResolveCost(records[0], "region-a")

	a := c.Compute(chosen, records, candidate.SafetyA, 0, 1000, resolver, "region-a")
	assert.Equal(t, 0.0, a.RegretAmount)
	assert.GreaterOrEqual(t, a.RegretAmount, 0.0)
}

func TestBucket_MapsToExpectedHistogramBucket(t *testing.T) {
	assert.Equal(t, 0, regret.Bucket(0))
	assert.Equal(t, len(regret.HistogramBuckets)-1, regret.Bucket(60))
	assert.Equal(t, len(regret.HistogramBuckets), regret.Bucket(1000))
}
