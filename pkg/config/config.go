// Package config loads routing-core configuration from environment
// variables, with an optional YAML overlay, per spec §6.6. Environment
// variables always win over file values so operators can patch a single
// key without touching the checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SelectionStrategy names the primary selection algorithm (§4.4).
type SelectionStrategy string

const (
	StrategyCostAwareBandit SelectionStrategy = "cost_aware_bandit"
	StrategyPureCost        SelectionStrategy = "pure_cost"
	StrategyPureQuality     SelectionStrategy = "pure_quality"
	StrategyBalanced        SelectionStrategy = "balanced"
)

// FallbackStrategy names the strategy invoked when the primary strategy
// raises internally (§4.4).
type FallbackStrategy string

const (
	FallbackCheapestViable FallbackStrategy = "cheapest_viable"
	FallbackBestQuality    FallbackStrategy = "best_quality"
)

// Config is the fully-resolved, validated configuration for one router
// process. Every field here corresponds to a row in spec §6.6 unless
// annotated [ambient].
type Config struct {
	ExploreP                       float64           `yaml:"explore_p"`
	SelectionStrategyName          SelectionStrategy `yaml:"selection_strategy"`
	FallbackStrategyName           FallbackStrategy  `yaml:"fallback_strategy"`
	CostWeight                     float64           `yaml:"cost_weight"`
	QualityWeight                  float64           `yaml:"quality_weight"`
	LatencyWeight                  float64           `yaml:"latency_weight"`
	MinQualityThreshold            float64           `yaml:"min_quality_threshold"`
	LocalModelPreference           bool              `yaml:"local_model_preference"`
	PricingUpdateIntervalSeconds   int               `yaml:"pricing_update_interval"`
	PricingStalenessToleranceSecs  int               `yaml:"pricing_staleness_tolerance"`
	PricingChangeThresholdPercent  float64           `yaml:"pricing_change_threshold"`
	BudgetWarningThresholdPercent  float64           `yaml:"budget_warning_threshold_percent"`
	BudgetCriticalThresholdPercent float64           `yaml:"budget_critical_threshold_percent"`
	AnomalyThresholdStd            float64           `yaml:"anomaly_threshold_std"`
	AnomalyWindowHours             int               `yaml:"anomaly_window_hours"`
	CarbonAware                    bool              `yaml:"carbon_aware"`

	// [ambient] process-level settings not named in the §6.6 table.
	DatabaseURL        string `yaml:"database_url"`
	LogLevel           string `yaml:"log_level"`
	OTLPEndpoint       string `yaml:"otlp_endpoint"`
	RedisAddr          string `yaml:"redis_addr"`
	RegistryPath       string `yaml:"registry_path"`
	CustodyHMACKeyHex  string `yaml:"custody_hmac_key_hex"`
	APITimeoutSeconds  int    `yaml:"api_timeout_seconds"`
	FallbackToStatic   bool   `yaml:"fallback_to_static_pricing"`
	MinExplorationReqs int    `yaml:"min_exploration_requests"`
}

// Default returns the spec-documented defaults (§6.6), before env/file
// overlays are applied.
func Default() Config {
	return Config{
		ExploreP:                       0.05,
		SelectionStrategyName:          StrategyCostAwareBandit,
		FallbackStrategyName:           FallbackCheapestViable,
		CostWeight:                     0.4,
		QualityWeight:                  0.4,
		LatencyWeight:                  0.2,
		MinQualityThreshold:            0.7,
		LocalModelPreference:           true,
		PricingUpdateIntervalSeconds:   300,
		PricingStalenessToleranceSecs:  3600,
		PricingChangeThresholdPercent:  5.0,
		BudgetWarningThresholdPercent:  80,
		BudgetCriticalThresholdPercent: 95,
		AnomalyThresholdStd:            2.5,
		AnomalyWindowHours:             24,
		CarbonAware:                    true,
		LogLevel:                       "info",
		APITimeoutSeconds:              10,
		FallbackToStatic:               true,
		MinExplorationReqs:             10,
	}
}

// Load builds a Config from the optional YAML file named by
// ROUTER_CONFIG_FILE, then overlays every recognized environment variable
// on top, then validates the result.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("ROUTER_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		var wrapper struct {
			Router Config `yaml:"router"`
		}
		wrapper.Router = cfg
		if err := yaml.Unmarshal(raw, &wrapper); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		cfg = wrapper.Router
	}

	overlayEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	strVal("ROUTER_EXPLORE_P", func(s string) { cfg.ExploreP = mustFloat(s, cfg.ExploreP) })
	if v := os.Getenv("SELECTION_STRATEGY"); v != "" {
		cfg.SelectionStrategyName = SelectionStrategy(v)
	}
	if v := os.Getenv("FALLBACK_STRATEGY"); v != "" {
		cfg.FallbackStrategyName = FallbackStrategy(v)
	}
	strVal("SELECTION_COST_WEIGHT", func(s string) { cfg.CostWeight = mustFloat(s, cfg.CostWeight) })
	strVal("SELECTION_QUALITY_WEIGHT", func(s string) { cfg.QualityWeight = mustFloat(s, cfg.QualityWeight) })
	strVal("SELECTION_LATENCY_WEIGHT", func(s string) { cfg.LatencyWeight = mustFloat(s, cfg.LatencyWeight) })
	strVal("MIN_QUALITY_THRESHOLD", func(s string) { cfg.MinQualityThreshold = mustFloat(s, cfg.MinQualityThreshold) })
	if v := os.Getenv("LOCAL_MODEL_PREFERENCE"); v != "" {
		cfg.LocalModelPreference = v == "true"
	}
	strVal("PRICING_UPDATE_INTERVAL", func(s string) { cfg.PricingUpdateIntervalSeconds = mustInt(s, cfg.PricingUpdateIntervalSeconds) })
	strVal("PRICING_STALENESS_TOLERANCE", func(s string) { cfg.PricingStalenessToleranceSecs = mustInt(s, cfg.PricingStalenessToleranceSecs) })
	strVal("PRICING_CHANGE_THRESHOLD", func(s string) { cfg.PricingChangeThresholdPercent = mustFloat(s, cfg.PricingChangeThresholdPercent) })
	strVal("BUDGET_WARNING_THRESHOLD_PERCENT", func(s string) { cfg.BudgetWarningThresholdPercent = mustFloat(s, cfg.BudgetWarningThresholdPercent) })
	strVal("BUDGET_CRITICAL_THRESHOLD_PERCENT", func(s string) { cfg.BudgetCriticalThresholdPercent = mustFloat(s, cfg.BudgetCriticalThresholdPercent) })
	strVal("ANOMALY_THRESHOLD_STD", func(s string) { cfg.AnomalyThresholdStd = mustFloat(s, cfg.AnomalyThresholdStd) })
	strVal("ANOMALY_WINDOW_HOURS", func(s string) { cfg.AnomalyWindowHours = mustInt(s, cfg.AnomalyWindowHours) })
	if v := os.Getenv("CARBON_AWARE"); v != "" {
		cfg.CarbonAware = v == "true"
	}
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("CUSTODY_HMAC_KEY_HEX"); v != "" {
		cfg.CustodyHMACKeyHex = v
	}
}

func strVal(key string, set func(string)) {
	if v := os.Getenv(key); v != "" {
		set(v)
	}
}

func mustFloat(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustInt(s string, fallback int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

// Validate rejects configurations that would make the selection engine or
// budget manager behave undefined. Out-of-range weights or an unknown
// strategy fail startup rather than silently degrading.
func (c Config) Validate() error {
	switch c.SelectionStrategyName {
	case StrategyCostAwareBandit, StrategyPureCost, StrategyPureQuality, StrategyBalanced:
	default:
		return fmt.Errorf("config: unknown SELECTION_STRATEGY %q", c.SelectionStrategyName)
	}
	switch c.FallbackStrategyName {
	case FallbackCheapestViable, FallbackBestQuality:
	default:
		return fmt.Errorf("config: unknown FALLBACK_STRATEGY %q", c.FallbackStrategyName)
	}
	if c.CostWeight < 0 || c.QualityWeight < 0 || c.LatencyWeight < 0 {
		return fmt.Errorf("config: preference weights must be non-negative")
	}
	sum := c.CostWeight + c.QualityWeight + c.LatencyWeight
	if sum <= 0 {
		return fmt.Errorf("config: preference weights must sum to a positive value, got %f", sum)
	}
	if c.ExploreP < 0 || c.ExploreP > 1 {
		return fmt.Errorf("config: ROUTER_EXPLORE_P must be in [0,1], got %f", c.ExploreP)
	}
	if c.BudgetWarningThresholdPercent <= 0 || c.BudgetWarningThresholdPercent >= c.BudgetCriticalThresholdPercent {
		return fmt.Errorf("config: budget warning threshold must be positive and below critical threshold")
	}
	if c.BudgetCriticalThresholdPercent > 100 {
		return fmt.Errorf("config: budget critical threshold must be <= 100")
	}
	if c.AnomalyThresholdStd <= 0 {
		return fmt.Errorf("config: ANOMALY_THRESHOLD_STD must be positive")
	}
	return nil
}

// NormalizedWeights returns the preference weights renormalized to sum to
// exactly 1 (§4.3, P5).
func (c Config) NormalizedWeights() (cost, quality, latency float64) {
	sum := c.CostWeight + c.QualityWeight + c.LatencyWeight
	return c.CostWeight / sum, c.QualityWeight / sum, c.LatencyWeight / sum
}
