// Package orchestrator wires every routing-core component into the
// request flow described in spec §4.12 and owns the background task
// supervisor described in §5.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/anomaly"
	"github.com/atp-platform/routing-core/pkg/atperr"
	"github.com/atp-platform/routing-core/pkg/budget"
	"github.com/atp-platform/routing-core/pkg/candidate"
	"github.com/atp-platform/routing-core/pkg/carbon"
	"github.com/atp-platform/routing-core/pkg/cost"
	"github.com/atp-platform/routing-core/pkg/observability"
	"github.com/atp-platform/routing-core/pkg/registry"
	"github.com/atp-platform/routing-core/pkg/regret"
	"github.com/atp-platform/routing-core/pkg/repository"
	"github.com/atp-platform/routing-core/pkg/selection"
	"github.com/atp-platform/routing-core/pkg/slo"
)

// QualityTier maps the inbound request's quality enum to the numeric
// threshold §6.1 specifies: fast=0.60, balanced=0.75, high=0.85.
type QualityTier string

const (
	QualityFast     QualityTier = "fast"
	QualityBalanced QualityTier = "balanced"
	QualityHigh     QualityTier = "high"
)

func (q QualityTier) Threshold() (float64, error) {
	switch q {
	case QualityFast:
		return 0.60, nil
	case QualityBalanced:
		return 0.75, nil
	case QualityHigh:
		return 0.85, nil
	default:
		return 0, atperr.New(atperr.KindInput, "orchestrator.quality_threshold", atperr.ErrUnknownQuality).WithContext("quality", string(q))
	}
}

// Request is the inbound payload spec §6.1 defines.
type Request struct {
	CorrelationID   string
	TenantID        string
	ProjectID       string
	Quality         QualityTier
	LatencySLOMs    int
	SafetyRequired  candidate.SafetyGrade
	EstimatedTokens int64
	QOS             string
	Region          string
}

// Outcome is what the caller of Route receives, per §6.1's response
// shape plus bookkeeping the orchestrator needs for step 5-8.
type Outcome struct {
	CorrelationID  string
	Plan           []candidate.Candidate
	PrimaryName    string
	ExplorationName string
	ThrottleFactor float64
	BudgetStatus   budget.Enforcement
	Cancelled      bool
}

// CompletionReport is what the caller supplies after dispatching the
// chosen candidate to the provider (§4.12 step 5).
type CompletionReport struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Failed       bool
}

// Orchestrator is the dependency container and request-flow driver.
type Orchestrator struct {
	Registry      *registry.Registry
	Engine        *selection.Engine
	Regret        *regret.Calculator
	Cost          *cost.Aggregator
	Budget        *budget.Manager
	Anomaly       *anomaly.Detector
	SLO           *slo.Tracker
	Carbon        *carbon.Tracker
	Repository    repository.Repository
	RetryBuffer   *repository.RetryBuffer
	Alerts        alert.Sink
	Observability *observability.Provider

	// decisions tracks the filter parameters and chosen candidate per
	// in-flight correlation id, so Complete's regret step (§4.12 step 7)
	// can recompute the same Viable set the selection engine used in
	// Route. Guarded by mu since the orchestrator serves many concurrent
	// requests (§5).
	mu        sync.Mutex
	decisions map[string]decisionContext
}

type decisionContext struct {
	safetyRequired candidate.SafetyGrade
	latencySLOMs   int
	chosen         candidate.Candidate
	tenant         string
	project        string
	provider       string
	model          string
	estimatedTokens int64
	region         string
}

func New(deps Orchestrator) *Orchestrator {
	deps.decisions = make(map[string]decisionContext)
	return &deps
}

// Route implements spec §4.12 steps 1-4: resolve the registry snapshot,
// pre-check anomaly/budget, and invoke selection. The caller dispatches
// to the provider out of band, then calls Complete with the result.
func (o *Orchestrator) Route(ctx context.Context, req Request) (Outcome, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	qualityReq, err := req.Quality.Threshold()
	if err != nil {
		return Outcome{}, err
	}

	snapshot := o.Registry.Current()
	records := snapshot.Sorted()

	if ctx.Err() != nil {
		return Outcome{CorrelationID: req.CorrelationID, Cancelled: true}, nil
	}

	if o.Anomaly != nil {
		estimatedCost := estimateCostUSD(records, req.EstimatedTokens)
		if z := o.Anomaly.IsAnomalousRequest(estimatedCost, req.EstimatedTokens, "", "", req.TenantID); z > 0 && o.Alerts != nil {
			o.Alerts.Emit(alert.Alert{Kind: "PreRequestAnomaly", Severity: alert.SeverityLow,
				Labels: map[string]string{"tenant": req.TenantID}, Payload: map[string]any{"z_score": z}})
		}
	}

	decision, err := selectPlan(ctx, o.Engine, records, req, qualityReq)
	if err != nil {
		return Outcome{}, err
	}
	if ctx.Err() != nil {
		return Outcome{CorrelationID: req.CorrelationID, Cancelled: true}, nil
	}

	if o.Observability != nil {
		o.Observability.DecisionsTotal.Add(ctx, 1)
	}

	o.recordDecisionContext(req, decision)

	if o.Repository != nil {
		if err := o.Repository.SaveDecision(ctx, repository.Decision{
			CorrelationID: req.CorrelationID, Tenant: req.TenantID, Project: req.ProjectID,
			Primary: decision.plan.Primary.Name, Strategy: string(decision.strategy), DecidedAt: time.Now(),
		}); err != nil {
			o.swallow(ctx, "save_decision")
		}
	}

	out := Outcome{
		CorrelationID:  req.CorrelationID,
		Plan:           planCandidates(decision.plan),
		PrimaryName:    decision.plan.Primary.Name,
		ThrottleFactor: decision.meta.ThrottleFactor,
	}
	if decision.plan.Exploration != nil {
		out.ExplorationName = decision.plan.Exploration.Name
	}
	return out, nil
}

type selectionOutcome struct {
	plan     selection.Plan
	meta     selection.Metadata
	strategy selection.Strategy
}

func selectPlan(ctx context.Context, engine *selection.Engine, records []candidate.RegistryRecord, req Request, qualityReq float64) (selectionOutcome, error) {
	sreq := selection.Request{
		QualityRequired: qualityReq,
		LatencySLOMs:    req.LatencySLOMs,
		SafetyRequired:  req.SafetyRequired,
		EstimatedTokens: req.EstimatedTokens,
		Tenant:          req.TenantID,
		Project:         req.ProjectID,
		Region:          req.Region,
	}
	plan, meta, err := engine.Select(ctx, records, sreq)
	if err != nil {
		return selectionOutcome{}, err
	}
	return selectionOutcome{plan: plan, meta: meta, strategy: meta.Strategy}, nil
}

func (o *Orchestrator) recordDecisionContext(req Request, decision selectionOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions[req.CorrelationID] = decisionContext{
		safetyRequired:  req.SafetyRequired,
		latencySLOMs:    req.LatencySLOMs,
		chosen:          decision.plan.Primary,
		tenant:          req.TenantID,
		project:         req.ProjectID,
		provider:        decision.plan.Primary.Provider,
		model:           decision.plan.Primary.Name,
		estimatedTokens: req.EstimatedTokens,
		region:          req.Region,
	}
}

func planCandidates(p selection.Plan) []candidate.Candidate {
	out := []candidate.Candidate{p.Primary}
	if p.Exploration != nil {
		out = append(out, *p.Exploration)
	}
	if p.PremiumFallback != nil {
		out = append(out, *p.PremiumFallback)
	}
	return out
}

func estimateCostUSD(records []candidate.RegistryRecord, tokens int64) float64 {
	if len(records) == 0 {
		return 0
	}
	cheapest := records[0].ToCandidate().CostPer1kTokens
	for _, r := range records[1:] {
		if c := r.ToCandidate().CostPer1kTokens; c < cheapest {
			cheapest = c
		}
	}
	return cheapest / 1000.0 * float64(tokens)
}

// Complete implements spec §4.12 steps 6-7: record the CostRecord, update
// budget/anomaly/SLO, and compute regret (recorded into the regret
// histogram). It emits no completion event. On context cancellation, all
// of steps 6-7 are skipped per §5's cancellation contract.
func (o *Orchestrator) Complete(ctx context.Context, correlationID string, report CompletionReport) error {
	o.mu.Lock()
	dc, ok := o.decisions[correlationID]
	if ok {
		delete(o.decisions, correlationID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, correlationID)
	}

	if ctx.Err() != nil {
		return nil // cancelled: skip cost/regret/SLO updates, no alerts (§5)
	}

	if report.Failed {
		report = CompletionReport{InputTokens: 0, OutputTokens: 0, CostUSD: 0, Failed: true}
	}

	if o.Cost != nil {
		o.Cost.Append(cost.Record{
			Provider: dc.provider, Model: dc.model, Tenant: dc.tenant, Project: dc.project,
			InputTokens: report.InputTokens, OutputTokens: report.OutputTokens, ActualCostUSD: report.CostUSD,
		})
	}

	if o.Repository != nil {
		entry := repository.CostRecordEntry{
			EventID: correlationID, CorrelationID: correlationID, Provider: dc.provider, Model: dc.model,
			Tenant: dc.tenant, Project: dc.project, InputTokens: report.InputTokens, OutputTokens: report.OutputTokens,
			CostUSD: report.CostUSD, RecordedAt: time.Now(),
		}
		var saveErr error
		if o.RetryBuffer != nil {
			saveErr = o.RetryBuffer.SaveCostRecord(ctx, entry)
		} else {
			saveErr = o.Repository.SaveCostRecord(ctx, entry)
		}
		if saveErr != nil {
			o.swallow(ctx, "save_cost_record")
		}
	}

	if o.Budget != nil {
		if dc.tenant != "" {
			o.Budget.RecordSpend(dc.tenant, report.CostUSD)
		}
		if dc.project != "" {
			o.Budget.RecordSpend(dc.project, report.CostUSD)
		}
	}

	if o.Anomaly != nil {
		o.Anomaly.Record(anomaly.Point{
			Timestamp: time.Now(), CostUSD: report.CostUSD, Tokens: report.InputTokens + report.OutputTokens,
			Provider: dc.provider, Model: dc.model, Tenant: dc.tenant,
		})
	}

	if o.SLO != nil {
		o.SLO.Record(slo.TargetAvailability, !report.Failed)
	}

	if o.Regret != nil {
		snapshot := o.Registry.Current()
		var resolver regret.CostResolver
		if o.Engine != nil {
			resolver = o.Engine
		}
		analysis := o.Regret.Compute(dc.chosen, snapshot.Sorted(), dc.safetyRequired, dc.latencySLOMs, dc.estimatedTokens, resolver, dc.region)
		if o.Observability != nil {
			o.Observability.RegretHistogram.Record(ctx, analysis.RegretPct)
		}
	}

	return nil
}

// swallow records a non-fatal, intentionally-ignored error (spec §7:
// every swallowed error increments a labeled counter rather than
// disappearing silently).
func (o *Orchestrator) swallow(ctx context.Context, reason string) {
	if o.Observability == nil {
		return
	}
	o.Observability.SwallowedErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ErrDecisionNotFound is returned by Complete when correlationID was
// never passed to a prior Route call (or was already completed).
var ErrDecisionNotFound = errors.New("orchestrator: decision not found")
