// Package carbon implements the Carbon Tracker (spec §4.11): a pure
// function over a configured region->intensity map, no I/O.
package carbon

// Tracker computes a carbon-intensity-weighted cost for routing decisions.
type Tracker struct {
	intensity map[string]float64 // region -> relative carbon intensity, 1.0 = baseline
	enabled   bool
}

// DefaultIntensity is a representative region->intensity map; operators
// override it via configuration in a real deployment.
func DefaultIntensity() map[string]float64 {
	return map[string]float64{
		"us-west":    0.6,
		"us-east":    0.9,
		"eu-west":    0.4,
		"eu-north":   0.2,
		"ap-south":   1.1,
		"ap-east":    1.0,
		"unspecified": 1.0,
	}
}

// NewTracker builds a Tracker. When enabled is false, CalculateRoutingWeight
// is the identity function (carbon-aware mode off).
func NewTracker(intensity map[string]float64, enabled bool) *Tracker {
	if intensity == nil {
		intensity = DefaultIntensity()
	}
	return &Tracker{intensity: intensity, enabled: enabled}
}

// CalculateRoutingWeight returns baseCost scaled by the region's relative
// carbon intensity. Regions absent from the map are treated as baseline
// (weight 1.0).
func (t *Tracker) CalculateRoutingWeight(region string, baseCost float64) float64 {
	if !t.enabled {
		return baseCost
	}
	w, ok := t.intensity[region]
	if !ok {
		w = 1.0
	}
	return baseCost * w
}

// Enabled reports whether carbon-aware mode is on.
func (t *Tracker) Enabled() bool { return t.enabled }
