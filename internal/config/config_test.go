package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `{
		"symbol": "ETHUSDT",
		"swings": [{"timeframe": "1d", "high": 126104, "low": 98387, "direction": "down", "invalidation_pct": 0.1}]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, 60, cfg.CheckIntervalSec)
	assert.Equal(t, 0.94, cfg.Risk.MaxCapitalUsage)
	assert.Equal(t, 5, cfg.Risk.MaxLeverage)
	assert.Equal(t, -0.50, cfg.Risk.MaxDrawdown)
	require.Len(t, cfg.Strategy.ScaleLevels, 4)
	assert.Equal(t, -0.06, cfg.Strategy.ScaleLevels[3].Deviation)
	assert.Equal(t, 5, cfg.Strategy.ScaleLevels[3].Leverage)
	require.Len(t, cfg.Strategy.ProfitTargets, 3)
	assert.Equal(t, 0.15, cfg.Strategy.ProfitTargets[2].Gain)
	assert.Equal(t, "hold", cfg.Advisor.EntryFallback)
	require.Len(t, cfg.Swings, 1)
	assert.Equal(t, 126104.0, cfg.Swings[0].High)
}

func TestLoadConfig_EnvOverridesAndSecrets(t *testing.T) {
	path := writeConfig(t, `{"risk": {"max_leverage": 5}}`)
	t.Setenv("GPB_RISK_MAX_LEVERAGE", "4")
	t.Setenv("ADVISOR_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Risk.MaxLeverage)
	assert.Equal(t, "sk-test", cfg.Advisor.APIKey)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"inverted swing":         `{"swings": [{"timeframe": "1d", "high": 90000, "low": 100000}]}`,
		"positive drawdown":      `{"risk": {"max_drawdown": 0.2}}`,
		"min above max size":     `{"risk": {"min_position_size": 0.6, "max_position_size": 0.5}}`,
		"leverage tiers go down": `{"strategy": {"scale_levels": [{"deviation": -0.01, "size": 0.2, "leverage": 2}]}, "risk": {"max_scale_ins": 1}}`,
		"bad fallback":           `{"advisor": {"entry_fallback": "yolo"}}`,
		"bad ls direction":       `{"strategy": {"ls_favorable": "sideways"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
