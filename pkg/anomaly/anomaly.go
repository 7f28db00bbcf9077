// Package anomaly implements the Anomaly Detector (spec §4.7): a rolling
// ring buffer of recent request observations with periodically
// recomputed baseline statistics, feeding four outlier families.
package anomaly

import (
	"math"
	"sync"
	"time"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/clock"
)

const ringCapacity = 1000

// Point is one observed request at detection time.
type Point struct {
	Timestamp time.Time
	CostUSD   float64
	Tokens    int64
	Provider  string
	Model     string
	Tenant    string
}

func (p Point) costPerToken() float64 {
	if p.Tokens == 0 {
		return 0
	}
	return p.CostUSD / float64(p.Tokens)
}

// BaselineStats holds rolling mean/stddev for the three scalar families
// plus an hour-of-day breakdown for the temporal family.
type BaselineStats struct {
	CostMean, CostStd             float64
	CostPerTokenMean, CostPerTokenStd float64
	TokensMean, TokensStd         float64
	HourlyMean, HourlyStd         [24]float64
	HourlyCount                   [24]int
}

// Severity buckets per spec §4.7/§4.9.
const (
	thresholdHighZ = 3.0
)

// Finding is one outlier detection result.
type Finding struct {
	Family   string // cost | cost_per_token | usage | temporal
	ZScore   float64
	Severity alert.Severity
}

// Detector maintains the ring buffer and baseline, and evaluates incoming
// points (or pre-request estimates) against it.
type Detector struct {
	mu                  sync.Mutex
	ring                []Point
	baseline            BaselineStats
	thresholdStd        float64
	baselineUpdateEvery time.Duration
	lastBaselineUpdate  time.Time
	clock               clock.Clock
	alerts              alert.Sink
}

func NewDetector(thresholdStd float64, baselineUpdateEvery time.Duration, alerts alert.Sink, c clock.Clock) *Detector {
	if c == nil {
		c = clock.Real()
	}
	if baselineUpdateEvery <= 0 {
		baselineUpdateEvery = time.Hour
	}
	return &Detector{thresholdStd: thresholdStd, baselineUpdateEvery: baselineUpdateEvery, clock: c, alerts: alerts}
}

// Record appends a completed request's observation to the ring (bounded
// to the most recent 1000) and opportunistically recomputes the baseline
// if the update interval has elapsed.
func (d *Detector) Record(p Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring = append(d.ring, p)
	if len(d.ring) > ringCapacity {
		d.ring = d.ring[len(d.ring)-ringCapacity:]
	}
	d.maybeUpdateBaselineLocked()
}

func (d *Detector) maybeUpdateBaselineLocked() {
	now := d.clock.Now()
	if !d.lastBaselineUpdate.IsZero() && now.Sub(d.lastBaselineUpdate) < d.baselineUpdateEvery {
		return
	}
	d.baseline = computeBaseline(d.ring)
	d.lastBaselineUpdate = now
}

// ForceRecomputeBaseline is exposed for the background task supervisor,
// which drives baseline recomputation on its own schedule independent of
// request volume.
func (d *Detector) ForceRecomputeBaseline() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline = computeBaseline(d.ring)
	d.lastBaselineUpdate = d.clock.Now()
}

func computeBaseline(ring []Point) BaselineStats {
	var b BaselineStats
	if len(ring) == 0 {
		return b
	}

	costs := make([]float64, len(ring))
	costPerTokens := make([]float64, len(ring))
	tokens := make([]float64, len(ring))
	hourly := make(map[int][]float64)

	for i, p := range ring {
		costs[i] = p.CostUSD
		costPerTokens[i] = p.costPerToken()
		tokens[i] = float64(p.Tokens)
		h := p.Timestamp.Hour()
		hourly[h] = append(hourly[h], p.CostUSD)
	}

	b.CostMean, b.CostStd = meanStd(costs)
	b.CostPerTokenMean, b.CostPerTokenStd = meanStd(costPerTokens)
	b.TokensMean, b.TokensStd = meanStd(tokens)

	for h, vals := range hourly {
		b.HourlyMean[h], b.HourlyStd[h] = meanStd(vals)
		b.HourlyCount[h] = len(vals)
	}

	return b
}

func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))

	var sqDiff float64
	for _, v := range vals {
		d := v - mean
		sqDiff += d * d
	}
	std = math.Sqrt(sqDiff / float64(len(vals)))
	return mean, std
}

func zScore(value, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return math.Abs(value-mean) / std
}

func (d *Detector) severityFor(z float64) (alert.Severity, bool) {
	switch {
	case z > thresholdHighZ:
		return alert.SeverityHigh, true
	case z > d.thresholdStd:
		return alert.SeverityMedium, true
	default:
		return alert.SeverityLow, false
	}
}

// Evaluate runs all four outlier families against p and the current
// baseline, emitting an Anomaly alert for each finding above threshold
// with cooldown key "anomaly::<family>::<scope>". σ = 0 for a family
// (e.g. too few samples, or a genuinely constant baseline) means that
// family never reports an anomaly (P9).
func (d *Detector) Evaluate(p Point) []Finding {
	d.mu.Lock()
	b := d.baseline
	d.mu.Unlock()

	var findings []Finding

	if z := zScore(p.CostUSD, b.CostMean, b.CostStd); z > d.thresholdStd {
		if sev, ok := d.severityFor(z); ok {
			findings = append(findings, Finding{Family: "cost", ZScore: z, Severity: sev})
		}
	}
	if z := zScore(p.costPerToken(), b.CostPerTokenMean, b.CostPerTokenStd); z > d.thresholdStd {
		if sev, ok := d.severityFor(z); ok {
			findings = append(findings, Finding{Family: "cost_per_token", ZScore: z, Severity: sev})
		}
	}
	if z := zScore(float64(p.Tokens), b.TokensMean, b.TokensStd); z > d.thresholdStd {
		if sev, ok := d.severityFor(z); ok {
			findings = append(findings, Finding{Family: "usage", ZScore: z, Severity: sev})
		}
	}

	hour := p.Timestamp.Hour()
	if b.HourlyCount[hour] >= 3 {
		if z := zScore(p.CostUSD, b.HourlyMean[hour], b.HourlyStd[hour]); z > d.thresholdStd {
			if sev, ok := d.severityFor(z); ok {
				findings = append(findings, Finding{Family: "temporal", ZScore: z, Severity: sev})
			}
		}
	}

	for _, f := range findings {
		if d.alerts != nil {
			d.alerts.Emit(alert.Alert{
				Kind:        "Anomaly",
				Severity:    f.Severity,
				Labels:      map[string]string{"family": f.Family, "provider": p.Provider, "model": p.Model, "tenant": p.Tenant},
				Payload:     map[string]any{"z_score": f.ZScore},
				CooldownKey: "anomaly::" + f.Family + "::" + p.Tenant,
			})
		}
	}
	return findings
}

// IsAnomalousRequest evaluates a pre-request estimate (§4.7
// isAnomalousRequest) and returns the maximum z-score across all families
// as a combined confidence signal, without recording the point.
func (d *Detector) IsAnomalousRequest(costEstimate float64, tokens int64, provider, model, tenant string) float64 {
	d.mu.Lock()
	b := d.baseline
	d.mu.Unlock()

	p := Point{CostUSD: costEstimate, Tokens: tokens, Provider: provider, Model: model, Tenant: tenant}
	zs := []float64{
		zScore(p.CostUSD, b.CostMean, b.CostStd),
		zScore(p.costPerToken(), b.CostPerTokenMean, b.CostPerTokenStd),
		zScore(float64(p.Tokens), b.TokensMean, b.TokensStd),
	}
	max := 0.0
	for _, z := range zs {
		if z > max {
			max = z
		}
	}
	return max
}
