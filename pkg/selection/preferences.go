// Package selection implements the Candidate Evaluator and Selection
// Engine (spec §4.3, §4.4): a bandit-flavored decision function over a
// dynamic candidate catalog.
package selection

import "fmt"

// Preferences is the cost/quality/latency weight vector used to score
// candidates. Weights must sum to 1 (P5); ResolvePreferences below
// enforces that by renormalizing.
type Preferences struct {
	CostWeight     float64
	QualityWeight  float64
	LatencyWeight  float64
}

// Validate checks the weights are non-negative and sum to a positive
// value (a zero sum is the "missing preference weights" internal
// invariant violation called out in spec §7).
func (p Preferences) Validate() error {
	if p.CostWeight < 0 || p.QualityWeight < 0 || p.LatencyWeight < 0 {
		return fmt.Errorf("selection: preference weights must be non-negative")
	}
	if p.CostWeight+p.QualityWeight+p.LatencyWeight <= 0 {
		return fmt.Errorf("selection: preference weights must sum to a positive value")
	}
	return nil
}

// Normalized returns p scaled so the three weights sum to exactly 1 (P5).
func (p Preferences) Normalized() Preferences {
	sum := p.CostWeight + p.QualityWeight + p.LatencyWeight
	if sum == 0 {
		return p
	}
	return Preferences{
		CostWeight:    p.CostWeight / sum,
		QualityWeight: p.QualityWeight / sum,
		LatencyWeight: p.LatencyWeight / sum,
	}
}

// Override sparsely overrides base with any non-nil fields from override,
// e.g. a tenant- or project-level preference customization.
type Override struct {
	CostWeight    *float64
	QualityWeight *float64
	LatencyWeight *float64
}

// Apply merges override onto base, field by field.
func (o Override) Apply(base Preferences) Preferences {
	out := base
	if o.CostWeight != nil {
		out.CostWeight = *o.CostWeight
	}
	if o.QualityWeight != nil {
		out.QualityWeight = *o.QualityWeight
	}
	if o.LatencyWeight != nil {
		out.LatencyWeight = *o.LatencyWeight
	}
	return out
}

// ResolvePreferences implements spec §4.4 step 1: "Resolve preference
// vector: base -> tenant override -> project override; renormalize to sum
// 1."
func ResolvePreferences(base Preferences, tenantOverride, projectOverride *Override) Preferences {
	resolved := base
	if tenantOverride != nil {
		resolved = tenantOverride.Apply(resolved)
	}
	if projectOverride != nil {
		resolved = projectOverride.Apply(resolved)
	}
	return resolved.Normalized()
}
