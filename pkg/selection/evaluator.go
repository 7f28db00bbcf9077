package selection

import (
	"strings"

	"github.com/atp-platform/routing-core/pkg/candidate"
)

// localIndicators names the substrings that mark a candidate as a
// locally-hosted model (spec §4.3 step 4: "name matches local indicator
// set"). Matching is case-insensitive against both Name and Provider.
var localIndicators = []string{"local", "llama", "mistral", "ollama", "phi", "gemma", "on-prem", "onprem"}

// IsLocalModel reports whether c is locally hosted per the indicator set.
func IsLocalModel(c candidate.Candidate) bool {
	hay := strings.ToLower(c.Name + " " + c.Provider)
	for _, ind := range localIndicators {
		if strings.Contains(hay, ind) {
			return true
		}
	}
	return false
}

// LocalModelAdjustment holds the three local-preference tuning knobs from
// §4.3 step 4.
type LocalModelAdjustment struct {
	Enabled            bool
	CostMultiplier     float64 // cost_score *= (1 + CostMultiplier)
	QualityBonus       float64 // quality_score += QualityBonus
	LatencyPenalty     float64 // latency_score /= LatencyPenalty
}

// DefaultLocalModelAdjustment mirrors conservative defaults: a modest
// cost-score boost and quality bump for self-hosted models, with a small
// latency-score penalty (local inference is typically CPU/GPU bound on
// shared hardware, hence less predictable p95).
func DefaultLocalModelAdjustment() LocalModelAdjustment {
	return LocalModelAdjustment{Enabled: true, CostMultiplier: 0.5, QualityBonus: 0.05, LatencyPenalty: 1.2}
}

// EvaluatorInput bundles §4.3's inputs for a single candidate scoring pass.
type EvaluatorInput struct {
	Candidate         candidate.Candidate
	Preferences       Preferences
	EstimatedTokens   int64
	EstimatedCostUSD  float64 // resolved by the caller from live or static pricing
	LocalAdjustment   LocalModelAdjustment
}

// Evaluator scores one candidate under a preference vector (§4.3).
type Evaluator struct {
	performance PerformanceMultiplier
}

func NewEvaluator(performance PerformanceMultiplier) *Evaluator {
	if performance == nil {
		performance = NoopPerformanceMultiplier{}
	}
	return &Evaluator{performance: performance}
}

// Score computes the composite score for in.Candidate, clamped to [0, 1].
// Deterministic given fixed inputs, as required by §4.3.
func (e *Evaluator) Score(in EvaluatorInput) float64 {
	costScore := 1.0 / (1.0 + in.EstimatedCostUSD*10.0)
	qualityScore := in.Candidate.QualityPred
	latencyScore := 1.0 / (1.0 + float64(in.Candidate.LatencyP95Ms)/1000.0)

	if in.LocalAdjustment.Enabled && IsLocalModel(in.Candidate) {
		costScore *= 1 + in.LocalAdjustment.CostMultiplier
		qualityScore += in.LocalAdjustment.QualityBonus
		penalty := in.LocalAdjustment.LatencyPenalty
		if penalty <= 0 {
			penalty = 1
		}
		latencyScore /= penalty
	}

	composite := in.Preferences.CostWeight*costScore +
		in.Preferences.QualityWeight*qualityScore +
		in.Preferences.LatencyWeight*latencyScore

	composite *= e.performance.Multiplier(in.Candidate.Name)

	return clamp01(composite)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
