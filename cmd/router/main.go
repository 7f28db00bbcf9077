// Command router boots one ATP routing-core process: it loads
// configuration, wires every component (registry, pricing, selection,
// budget, anomaly, SLO, incident, repository) into an Orchestrator, and
// runs the background task supervisor until signalled to stop. Request
// dispatch itself is out of scope here (spec non-goal: no HTTP/gRPC
// surface is defined by this core) — callers embed the Orchestrator
// directly or front it with their own transport.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/anomaly"
	"github.com/atp-platform/routing-core/pkg/budget"
	"github.com/atp-platform/routing-core/pkg/carbon"
	"github.com/atp-platform/routing-core/pkg/clock"
	"github.com/atp-platform/routing-core/pkg/config"
	"github.com/atp-platform/routing-core/pkg/cost"
	"github.com/atp-platform/routing-core/pkg/incident"
	"github.com/atp-platform/routing-core/pkg/observability"
	"github.com/atp-platform/routing-core/pkg/orchestrator"
	"github.com/atp-platform/routing-core/pkg/pricing"
	"github.com/atp-platform/routing-core/pkg/regret"
	"github.com/atp-platform/routing-core/pkg/registry"
	"github.com/atp-platform/routing-core/pkg/repository"
	"github.com/atp-platform/routing-core/pkg/selection"
	"github.com/atp-platform/routing-core/pkg/slo"
)

func main() {
	if err := run(); err != nil {
		slog.Error("router: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("router: load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName: "atp-routing-core",
		Environment: envOr("ATP_ENVIRONMENT", "development"),
		LogLevel:    cfg.LogLevel,
		Enabled:     cfg.OTLPEndpoint != "",
		Insecure:    true,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("router: observability: %w", err)
	}

	repo, retryBuffer, err := buildRepository(cfg, obs)
	if err != nil {
		return fmt.Errorf("router: repository: %w", err)
	}

	var rootSecret []byte
	if cfg.CustodyHMACKeyHex != "" {
		rootSecret, err = hex.DecodeString(cfg.CustodyHMACKeyHex)
		if err != nil {
			return fmt.Errorf("router: custody_hmac_key_hex: %w", err)
		}
	}

	custody, err := buildCustodyLog(rootSecret)
	if err != nil {
		return fmt.Errorf("router: custody log: %w", err)
	}
	reg := registry.New(registry.LocalFileStore{Path: cfg.RegistryPath}, custody)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("router: load registry: %w", err)
	}

	alerts := alert.NewDispatcher(alert.FuncSink(func(a alert.Alert) {
		obs.Logger.Warn("alert", "kind", a.Kind, "severity", a.Severity, "labels", a.Labels)
	}), clock.Real())

	priceCache := pricing.NewCache(
		time.Duration(cfg.PricingStalenessToleranceSecs)*time.Second,
		cfg.PricingChangeThresholdPercent, 500, clock.Real(),
	)

	budgetManager := budget.NewManager(budget.Thresholds{
		WarningPercent:  cfg.BudgetWarningThresholdPercent,
		CriticalPercent: cfg.BudgetCriticalThresholdPercent,
		BlockDuration:   time.Hour,
	}, buildRateLimiter(cfg), alerts, clock.Real())

	anomalyDetector := anomaly.NewDetector(cfg.AnomalyThresholdStd, time.Duration(cfg.AnomalyWindowHours)*time.Hour, alerts, clock.Real())

	sloTracker := slo.NewTracker([]slo.Target{
		{Name: slo.TargetAvailability, TargetPct: 99.5, AlertThresholdPct: 98, MeasurementWindow: 24 * time.Hour},
		{Name: slo.TargetLatencyP95, TargetPct: 95, AlertThresholdPct: 90, MeasurementWindow: time.Hour},
	}, alerts, clock.Real())

	carbonTracker := carbon.NewTracker(nil, cfg.CarbonAware)

	costAggregator := cost.NewAggregator(cfg.PricingChangeThresholdPercent, nil, alerts)

	conditionEngine, err := incident.NewConditionEngine()
	if err != nil {
		return fmt.Errorf("router: condition engine: %w", err)
	}
	approvalKey := []byte("dev-only-approval-key")
	if len(rootSecret) > 0 {
		if derived, derr := registry.DeriveKey(rootSecret, "incident-approval-token", 32); derr == nil {
			approvalKey = derived
		}
	}
	incidentTrigger := incident.NewTrigger(conditionEngine, defaultIncidentRules(), approvalKey, buildRateLimiter(cfg))
	_ = incidentTrigger // wired for future dispatch by an external remediation collaborator

	engine := selection.NewEngine(selection.EngineConfig{
		Evaluator:       selection.NewEvaluator(selection.NewRollingPerformanceTracker()),
		BasePreferences: selection.Preferences{CostWeight: cfg.CostWeight, QualityWeight: cfg.QualityWeight, LatencyWeight: cfg.LatencyWeight},
		Pricing:         pricing.Lookup{Cache: priceCache},
		IsPricingStale: func(e pricing.Entry) bool {
			return e.IsStale(clock.Real().Now(), time.Duration(cfg.PricingStalenessToleranceSecs)*time.Second)
		},
		FallbackToStatic:    cfg.FallbackToStatic,
		Budget:              budget.NewGate(budgetManager),
		Exploration:         selection.ExplorationConfig{Rate: cfg.ExploreP, MinObservations: int64(cfg.MinExplorationReqs), ScoreFloor: 0.5},
		LocalAdjustment:     selection.DefaultLocalModelAdjustment(),
		MinQualityThreshold: cfg.MinQualityThreshold,
		Carbon:              carbonTracker,
	})

	orch := orchestrator.New(orchestrator.Orchestrator{
		Registry:      reg,
		Engine:        engine,
		Regret:        regret.NewCalculator(),
		Cost:          costAggregator,
		Budget:        budgetManager,
		Anomaly:       anomalyDetector,
		SLO:           sloTracker,
		Carbon:        carbonTracker,
		Repository:    repo,
		RetryBuffer:   retryBuffer,
		Alerts:        alerts,
		Observability: obs,
	})
	_ = orch // consumed by the transport layer a deployment fronts this core with

	supervisor := orchestrator.NewSupervisor([]orchestrator.Task{
		{Name: "pricing_refresh", Period: time.Duration(cfg.PricingUpdateIntervalSeconds) * time.Second, Run: func(ctx context.Context) error {
			return nil // populated per-deployment with the configured Fetcher/ResilientSource
		}},
		{Name: "slo_recompute", Period: time.Minute, Run: func(ctx context.Context) error {
			sloTracker.Recompute()
			return nil
		}},
		{Name: "anomaly_baseline", Period: time.Duration(cfg.AnomalyWindowHours) * time.Hour / 4, Run: func(ctx context.Context) error {
			anomalyDetector.ForceRecomputeBaseline()
			return nil
		}},
		{Name: "budget_monthly_reset", Period: 24 * time.Hour, Run: func(ctx context.Context) error {
			return nil // Manager.MonthlyReset(key) is invoked per-key on the operator's own monthly schedule
		}},
		{Name: "alert_cooldown_gc", Period: 5 * time.Minute, Run: func(ctx context.Context) error {
			alerts.Sweep()
			return nil
		}},
		{Name: "retry_buffer_flush", Period: 30 * time.Second, Run: func(ctx context.Context) error {
			if retryBuffer != nil {
				retryBuffer.Flush(ctx)
			}
			return nil
		}},
	}, obs.Logger, func(task string) {
		obs.BackgroundRestart.Add(ctx, 1)
	})

	obs.Logger.Info("router: ready")
	supervisor.Run(ctx)
	obs.Logger.Info("router: shutting down")
	return nil
}

func buildRepository(cfg config.Config, obs *observability.Provider) (repository.Repository, *repository.RetryBuffer, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewMemoryRepository(), nil, nil
	}
	repo, err := repository.OpenPostgresRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	rb := repository.NewRetryBuffer(repo, 5000, 10, alert.FuncSink(func(a alert.Alert) {
		obs.Logger.Error("cost record dropped", "labels", a.Labels)
	}))
	return repo, rb, nil
}

// buildRateLimiter returns a Redis-backed token-bucket limiter when an
// address is configured, so the hourly budget cap and incident intent caps
// both hold across every router process replica rather than per-process;
// it falls back to an in-process token bucket for single-replica
// deployments and tests.
func buildRateLimiter(cfg config.Config) budget.RateLimiter {
	if cfg.RedisAddr == "" {
		return budget.NewInProcessRateLimiter()
	}
	return budget.NewRedisRateLimiter(cfg.RedisAddr, "", 0)
}

func buildCustodyLog(rootSecret []byte) (*registry.CustodyLog, error) {
	if len(rootSecret) == 0 {
		return nil, nil
	}
	key, err := registry.DeriveKey(rootSecret, "registry-custody-chain", 32)
	if err != nil {
		return nil, err
	}
	return registry.NewCustodyLog(key, clock.Real()), nil
}

func defaultIncidentRules() []incident.Rule {
	return []incident.Rule{
		{Condition: incident.ConditionHighErrorRate, Expression: `signals.error_rate > 0.2`, IntentKind: "scale_up", RequiresApproval: false, MaxExecutionsPerHour: incident.DefaultMaxExecutionsPerHour()},
		{Condition: incident.ConditionBudgetExceeded, Expression: `signals.budget_usage_pct >= 100`, IntentKind: "notify_finance", RequiresApproval: true, MaxExecutionsPerHour: incident.DefaultMaxExecutionsPerHour()},
		{Condition: incident.ConditionServiceUnavailable, Expression: `signals.consecutive_failures > 5`, IntentKind: "failover", RequiresApproval: true, MaxExecutionsPerHour: incident.DefaultMaxExecutionsPerHour()},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
