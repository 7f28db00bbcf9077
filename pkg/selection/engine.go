package selection

import (
	"context"
	"math/rand"
	"sort"

	"github.com/atp-platform/routing-core/pkg/atperr"
	"github.com/atp-platform/routing-core/pkg/candidate"
	"github.com/atp-platform/routing-core/pkg/pricing"
)

// Strategy selects the primary scoring algorithm (spec §4.4 "Strategies").
type Strategy string

const (
	StrategyCostAwareBandit Strategy = "cost_aware_bandit"
	StrategyPureCost        Strategy = "pure_cost"
	StrategyPureQuality     Strategy = "pure_quality"
	StrategyBalanced        Strategy = "balanced"
)

// FallbackStrategy runs when the primary strategy raises internally.
type FallbackStrategy string

const (
	FallbackCheapestViable FallbackStrategy = "cheapest_viable"
	FallbackBestQuality    FallbackStrategy = "best_quality"
)

// Request bundles §4.4's select(...) contract inputs.
type Request struct {
	QualityRequired        float64
	LatencySLOMs           int
	SafetyRequired         candidate.SafetyGrade
	EstimatedTokens        int64
	Tenant                 string
	Project                string
	Region                 string
	TenantOverride         *Override
	ProjectOverride        *Override
	Strategy               Strategy
	Fallback               FallbackStrategy
	DisableLocalPreference bool // tenant override per Open Question #3
}

// CarbonWeigher resolves the Carbon Tracker's per-region cost weight
// (spec §4.11). A nil Engine.carbon leaves cost ordering untouched.
type CarbonWeigher interface {
	CalculateRoutingWeight(region string, baseCost float64) float64
}

// PricingLookup resolves live pricing for a provider:model pair. The
// selection engine treats a miss as "no live pricing available" and falls
// back to the candidate's static cost_per_1k_tokens.
type PricingLookup interface {
	Get(provider, model string) (pricing.Entry, bool)
}

// BudgetDecision is the outcome of a budget gate check (§4.10).
type BudgetDecision struct {
	Blocked       bool
	ThrottleFactor float64 // 1.0 = no throttling
	Reasons       []string
}

// BudgetGate is the selection engine's narrow view of the Budget Manager.
type BudgetGate interface {
	CheckRequestAllowed(ctx context.Context, tenant, project string, projectedCostUSD float64) (BudgetDecision, error)
}

// NoopBudgetGate always allows, used when budget enforcement is disabled.
type NoopBudgetGate struct{}

func (NoopBudgetGate) CheckRequestAllowed(context.Context, string, string, float64) (BudgetDecision, error) {
	return BudgetDecision{ThrottleFactor: 1.0}, nil
}

// ExplorationConfig holds the bandit exploration knobs (§4.4 step 7).
type ExplorationConfig struct {
	Rate            float64
	MinObservations int64
	ScoreFloor      float64 // candidates must score above this to be exploration-eligible
}

// Plan is the engine's output: a primary plus optional exploration and
// premium-fallback candidates (§4.4 contract).
type Plan struct {
	Primary         candidate.Candidate
	Exploration     *candidate.Candidate
	PremiumFallback *candidate.Candidate
}

// Metadata carries decision provenance for logging, regret, and cost
// attribution.
type Metadata struct {
	Strategy               Strategy
	ThrottleFactor         float64
	ViableCount            int
	SkippedForStalePricing []string
	ExplorationSampled     bool
	LocalPreferenceApplied bool
	FellBackTo             FallbackStrategy
}

// Engine is the Selection Engine (§4.4).
type Engine struct {
	evaluator          *Evaluator
	basePreferences    Preferences
	pricing            PricingLookup
	pricingStaleness   pricingStalenessChecker
	fallbackToStatic   bool
	budget             BudgetGate
	exploration        ExplorationConfig
	localAdjustment    LocalModelAdjustment
	minQualityThreshold float64
	rng                *rand.Rand
	observations       func() int64
	carbon             CarbonWeigher
}

// pricingStalenessChecker abstracts the staleness check so the engine
// doesn't need to know Entry's internal clock dependency.
type pricingStalenessChecker func(pricing.Entry) bool

// EngineConfig is the dependency bundle for NewEngine.
type EngineConfig struct {
	Evaluator           *Evaluator
	BasePreferences     Preferences
	Pricing             PricingLookup
	IsPricingStale      pricingStalenessChecker
	FallbackToStatic    bool
	Budget              BudgetGate
	Exploration         ExplorationConfig
	LocalAdjustment     LocalModelAdjustment
	MinQualityThreshold float64
	Rand                *rand.Rand
	PoolObservations    func() int64
	Carbon              CarbonWeigher
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Evaluator == nil {
		cfg.Evaluator = NewEvaluator(nil)
	}
	if cfg.Budget == nil {
		cfg.Budget = NoopBudgetGate{}
	}
	if cfg.IsPricingStale == nil {
		cfg.IsPricingStale = func(pricing.Entry) bool { return false }
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	if cfg.PoolObservations == nil {
		cfg.PoolObservations = func() int64 { return 0 }
	}
	return &Engine{
		evaluator:           cfg.Evaluator,
		basePreferences:     cfg.BasePreferences,
		pricing:             cfg.Pricing,
		pricingStaleness:    cfg.IsPricingStale,
		fallbackToStatic:    cfg.FallbackToStatic,
		budget:              cfg.Budget,
		exploration:         cfg.Exploration,
		localAdjustment:     cfg.LocalAdjustment,
		minQualityThreshold: cfg.MinQualityThreshold,
		rng:                 cfg.Rand,
		observations:        cfg.PoolObservations,
		carbon:              cfg.Carbon,
	}
}

type scored struct {
	c     candidate.Candidate
	score float64
}

// Select runs the §4.4 algorithm over records, returning a Plan and
// Metadata, or a typed atperr.Error on NoViableCandidate / BudgetBlocked.
func (e *Engine) Select(ctx context.Context, records []candidate.RegistryRecord, req Request) (Plan, Metadata, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyCostAwareBandit
	}
	meta := Metadata{Strategy: strategy, ThrottleFactor: 1.0}

	prefs := ResolvePreferences(e.basePreferences, req.TenantOverride, req.ProjectOverride)

	viable := FilterViable(records, req.SafetyRequired, req.LatencySLOMs, true)
	if len(viable) == 0 {
		viable = FilterViable(records, req.SafetyRequired, req.LatencySLOMs, false)
	}
	if len(viable) == 0 {
		return Plan{}, meta, atperr.New(atperr.KindSelection, "selection.select", atperr.ErrNoViableCandidate).
			WithContext("safety_required", req.SafetyRequired)
	}

	candidates, skipped := e.enhanceWithPricing(viable, req.Region)
	meta.SkippedForStalePricing = skipped
	if len(candidates) == 0 {
		return Plan{}, meta, atperr.New(atperr.KindSelection, "selection.select", atperr.ErrNoViableCandidate).
			WithContext("reason", "all_candidates_skipped_for_stale_pricing")
	}
	meta.ViableCount = len(candidates)

	cheapest := cheapestProjected(candidates)
	decision, err := e.budget.CheckRequestAllowed(ctx, req.Tenant, req.Project, cheapest.cost*float64(req.EstimatedTokens)/1000.0)
	if err != nil {
		return Plan{}, meta, atperr.New(atperr.KindDependency, "selection.budget_gate", err)
	}
	if decision.Blocked {
		return Plan{}, meta, atperr.New(atperr.KindSelection, "selection.select", atperr.ErrBudgetBlocked).
			WithContext("reasons", decision.Reasons)
	}
	meta.ThrottleFactor = decision.ThrottleFactor
	if meta.ThrottleFactor == 0 {
		meta.ThrottleFactor = 1.0
	}

	ranked, err := e.rankByStrategy(strategy, candidates, prefs)
	if err != nil {
		ranked, err = e.rankByFallback(req.Fallback, candidates)
		if err != nil {
			return Plan{}, meta, atperr.New(atperr.KindSelection, "selection.select", err)
		}
		meta.FellBackTo = req.Fallback
	}

	plan := Plan{Primary: ranked[0].c}

	if strategy != StrategyBalanced && e.exploration.Rate > 0 && e.observations() >= e.exploration.MinObservations {
		if e.rng.Float64() < e.exploration.Rate {
			pool := make([]scored, 0, len(ranked)-1)
			for _, s := range ranked[1:] {
				if s.score > e.exploration.ScoreFloor {
					pool = append(pool, s)
				}
			}
			if len(pool) > 0 {
				pick := pool[e.rng.Intn(len(pool))]
				c := pick.c
				plan.Exploration = &c
				meta.ExplorationSampled = true
			}
		}
	}

	if !req.DisableLocalPreference {
		for _, s := range ranked {
			if IsLocalModel(s.c) && s.c.QualityPred >= e.minQualityThreshold {
				local := s.c
				if local.Name != plan.Primary.Name {
					plan.Primary = local
					meta.LocalPreferenceApplied = true
				}
				break
			}
		}
	}

	premium := mostExpensive(candidates)
	if premium.Name != plan.Primary.Name && (plan.Exploration == nil || plan.Exploration.Name != premium.Name) {
		p := premium
		plan.PremiumFallback = &p
	}

	return plan, meta, nil
}

// FilterViable implements §4.4 step 2-3: drop shadow and safety-deficient
// records; when strict, also drop records whose advertised p95 exceeds the
// given latency SLO (the "widen" retry in step 3 calls this again with
// strict=false). Exported so the Regret Calculator (§4.5) can recompute
// the same Viable set at decision time, parameterized by the request's own
// safety_required rather than a hardcoded grade.
func FilterViable(records []candidate.RegistryRecord, safetyRequired candidate.SafetyGrade, latencySLOMs int, strict bool) []candidate.RegistryRecord {
	out := make([]candidate.RegistryRecord, 0, len(records))
	for _, r := range records {
		if r.Status == candidate.StatusShadow || r.Status == candidate.StatusSunset {
			continue
		}
		if !r.SafetyGrade.Meets(safetyRequired) {
			continue
		}
		if strict && latencySLOMs > 0 && r.LatencyP95Ms > latencySLOMs {
			continue
		}
		out = append(out, r)
	}
	return out
}

type pricedCandidate struct {
	c    candidate.Candidate
	cost float64 // resolved estimated_cost_usd per 1k tokens
}

// enhanceWithPricing implements §4.4 step 4: prefer live pricing, fall
// back to static cost_per_1k_tokens on a stale or missing live quote, or
// skip the candidate entirely when fallback_to_static_pricing is false.
// When a CarbonWeigher is configured, §4.11 re-weights the resolved cost
// by the candidate's region before it feeds strategy ranking or scoring.
func (e *Engine) enhanceWithPricing(records []candidate.RegistryRecord, region string) ([]pricedCandidate, []string) {
	out := make([]pricedCandidate, 0, len(records))
	var skipped []string
	for _, r := range records {
		cost, stale := e.resolveCost(r, region)
		if stale && !e.fallbackToStatic {
			skipped = append(skipped, r.Name)
			continue
		}
		c := r.ToCandidate()
		c.CostPer1kTokens = cost
		out = append(out, pricedCandidate{c: c, cost: cost})
	}
	return out, skipped
}

// resolveCost resolves a single record's cost-per-1k-tokens through live
// pricing (when fresh) and carbon weighting (when configured), reporting
// whether the live quote was stale so callers can decide whether to skip
// the candidate entirely (enhanceWithPricing) or just fall back to the
// static price (ResolveCost).
func (e *Engine) resolveCost(r candidate.RegistryRecord, region string) (cost float64, stale bool) {
	c := r.ToCandidate()
	cost = c.CostPer1kTokens
	if e.pricing != nil {
		if live, ok := e.pricing.Get(r.Provider, r.Name); ok {
			if !e.pricingStaleness(live) {
				cost = (live.InputPer1k + live.OutputPer1k) / 2
			} else {
				stale = true
			}
		}
	}
	if e.carbon != nil {
		weightRegion := c.Region
		if weightRegion == "" {
			weightRegion = region
		}
		cost = e.carbon.CalculateRoutingWeight(weightRegion, cost)
	}
	return cost, stale
}

// ResolveCost resolves a record's cost-per-1k-tokens through the same
// live-pricing/carbon pipeline enhanceWithPricing uses, without the
// skip-on-stale behavior (callers such as the Regret Calculator need a
// comparable cost for every viable candidate, not to drop any of them).
func (e *Engine) ResolveCost(r candidate.RegistryRecord, region string) float64 {
	cost, _ := e.resolveCost(r, region)
	return cost
}

func cheapestProjected(candidates []pricedCandidate) pricedCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.cost < best.cost {
			best = c
		}
	}
	return best
}

func mostExpensive(candidates []pricedCandidate) candidate.Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.cost > best.cost {
			best = c
		}
	}
	return best.c
}

func (e *Engine) rankByStrategy(strategy Strategy, candidates []pricedCandidate, prefs Preferences) ([]scored, error) {
	switch strategy {
	case StrategyPureCost:
		return sortScored(candidates, func(c pricedCandidate) float64 { return -c.cost }), nil
	case StrategyPureQuality:
		return sortScored(candidates, func(c pricedCandidate) float64 { return c.c.QualityPred }), nil
	case StrategyBalanced, StrategyCostAwareBandit, "":
		scoredList := make([]scored, len(candidates))
		for i, pc := range candidates {
			s := e.evaluator.Score(EvaluatorInput{
				Candidate:        pc.c,
				Preferences:      prefs,
				EstimatedCostUSD: pc.cost,
				LocalAdjustment:  e.localAdjustment,
			})
			scoredList[i] = scored{c: pc.c, score: s}
		}
		sortByCompositeWithTieBreaks(scoredList)
		return scoredList, nil
	default:
		return nil, atperr.ErrInvalidRequest
	}
}

func (e *Engine) rankByFallback(fb FallbackStrategy, candidates []pricedCandidate) ([]scored, error) {
	switch fb {
	case FallbackBestQuality:
		return sortScored(candidates, func(c pricedCandidate) float64 { return c.c.QualityPred }), nil
	case FallbackCheapestViable, "":
		return sortScored(candidates, func(c pricedCandidate) float64 { return -c.cost }), nil
	default:
		return nil, atperr.ErrInvalidRequest
	}
}

// sortScored ranks by key descending, breaking ties the same way
// sortByCompositeWithTieBreaks does.
func sortScored(candidates []pricedCandidate, key func(pricedCandidate) float64) []scored {
	out := make([]scored, len(candidates))
	for i, c := range candidates {
		out[i] = scored{c: c.c, score: key(c)}
	}
	sortByCompositeWithTieBreaks(out)
	return out
}

// sortByCompositeWithTieBreaks implements §4.4's tie-break rules: equal
// composite scores prefer lower cost_per_1k_tokens, then lower
// latency_p95_ms, then lexicographic name.
func sortByCompositeWithTieBreaks(list []scored) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.c.CostPer1kTokens != b.c.CostPer1kTokens {
			return a.c.CostPer1kTokens < b.c.CostPer1kTokens
		}
		if a.c.LatencyP95Ms != b.c.LatencyP95Ms {
			return a.c.LatencyP95Ms < b.c.LatencyP95Ms
		}
		return a.c.Name < b.c.Name
	})
}
