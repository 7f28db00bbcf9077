package config_test

import (
	"os"
	"testing"

	"github.com/atp-platform/routing-core/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.StrategyCostAwareBandit, cfg.SelectionStrategyName)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("ROUTER_EXPLORE_P", "0.25")
	t.Setenv("SELECTION_STRATEGY", "pure_cost")
	t.Setenv("BUDGET_CRITICAL_THRESHOLD_PERCENT", "90")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.ExploreP)
	assert.Equal(t, config.StrategyPureCost, cfg.SelectionStrategyName)
	assert.Equal(t, 90.0, cfg.BudgetCriticalThresholdPercent)
}

func TestLoad_UnknownStrategyFailsValidation(t *testing.T) {
	t.Setenv("SELECTION_STRATEGY", "quantum_vibes")
	_, err := config.Load()
	require.Error(t, err)
}

func TestNormalizedWeights_SumsToOne(t *testing.T) {
	cfg := config.Default()
	cfg.CostWeight, cfg.QualityWeight, cfg.LatencyWeight = 1, 1, 2
	cw, qw, lw := cfg.NormalizedWeights()
	assert.InDelta(t, 1.0, cw+qw+lw, 1e-9)
}

func TestLoad_YAMLFileOverlayWithEnvPrecedence(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "router-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("router:\n  explore_p: 0.33\n  carbon_aware: false\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv("ROUTER_CONFIG_FILE", f.Name())
	t.Setenv("ROUTER_EXPLORE_P", "0.9") // env wins over file

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.ExploreP)
	assert.False(t, cfg.CarbonAware)
}
