package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8.0, cfg.Trading.BaseSpreadBps)
	assert.Equal(t, 10.0, cfg.Trading.TickSpreadBps)
	assert.Equal(t, 10, cfg.Trading.NumLayers)
	assert.Equal(t, 5000.0, cfg.Trading.TotalLiquidity)
	assert.Equal(t, 100, cfg.Trading.MinRequoteMs)
	assert.Equal(t, 5000, cfg.Trading.StaleMs)
	assert.Equal(t, 2000, cfg.Trading.QuoteTTLMs)
	assert.Equal(t, 50, cfg.Risk.MaxOpenOrders)
	assert.Equal(t, 5.0, cfg.Risk.MaxOrdersPerSecond)
	assert.False(t, cfg.Risk.EmergencyStop)
}

func TestParseOverridesDefaults(t *testing.T) {
	yaml := `
trading:
  symbol_src: BTCUSDT
  symbol_dst: BTCUSDM
  num_layers: 4
  sides_enabled: [bid]
risk:
  max_open_orders: 12
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Trading.SymbolSrc)
	assert.Equal(t, 4, cfg.Trading.NumLayers)
	assert.Equal(t, 12, cfg.Risk.MaxOpenOrders)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8.0, cfg.Trading.BaseSpreadBps)

	assert.True(t, cfg.Trading.SideEnabled("bid"))
	assert.False(t, cfg.Trading.SideEnabled("ask"))
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("MM_API_KEY", "secret-key")
	yaml := `
destination:
  api_key: ${MM_API_KEY}
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Destination.APIKey)
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero layers", "trading:\n  num_layers: 0\n"},
		{"bad side", "trading:\n  sides_enabled: [middle]\n"},
		{"negative liquidity", "trading:\n  total_liquidity: -1\n"},
		{"bad gamma", "trading:\n  gamma_max: 2\n"},
		{"zero rate", "risk:\n  max_orders_per_second: 0\n"},
		{"bad log level", "system:\n  log_level: LOUD\n"},
		{"too many workers", "system:\n  outbox_workers: 500\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(100), cfg.Trading.MinRequoteInterval().Milliseconds())
	assert.Equal(t, int64(5000), cfg.Trading.StaleAge().Milliseconds())
	assert.Equal(t, int64(2000), cfg.Trading.QuoteTTL().Milliseconds())
}
