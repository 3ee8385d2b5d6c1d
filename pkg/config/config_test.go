package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("APP_DATABASE_DRIVER", "memory")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "margin", cfg.ServiceName)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Trading.RiskInterval)
	assert.Equal(t, "redis", cfg.Trading.PriceSource)
	assert.InDelta(t, 0.04, cfg.Trading.FallbackTakerFeePercent, 1e-9)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
service_name = "margin-test"

[database]
driver = "memory"

[trading]
min_order_size = 0.01
max_order_size = 100
max_notional_per_order = 1000
risk_interval = "250ms"
price_source = "static"

[trading.leverage_caps]
Default = 5

[trading.static_prices]
SOLUSDT = 150
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("APP_HTTP_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "margin-test", cfg.ServiceName)
	assert.Equal(t, 9999, cfg.HTTP.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Trading.RiskInterval)
	assert.InDelta(t, 150, cfg.Trading.StaticPrices["solusdt"], 1e-9, "viper lowercases map keys")
}

func TestValidateTrading(t *testing.T) {
	valid := TradingConfig{
		MinOrderSize:        0.01,
		MaxOrderSize:        10,
		MaxNotionalPerOrder: 1000,
		LeverageCaps:        map[string]int{"default": 10},
		RiskInterval:        time.Second,
	}
	require.NoError(t, valid.Validate())

	noDefault := valid
	noDefault.LeverageCaps = map[string]int{"BTCUSDT": 10}
	assert.Error(t, noDefault.Validate())

	badRange := valid
	badRange.MaxOrderSize = 0.001
	assert.Error(t, badRange.Validate())

	noInterval := valid
	noInterval.RiskInterval = 0
	assert.Error(t, noInterval.Validate())
}

func TestValidateRequiresDSN(t *testing.T) {
	cfg := &Config{
		ServiceName: "margin",
		HTTP:        HTTPConfig{Port: 8080},
		GRPC:        GRPCConfig{Port: 50051},
		Database:    DatabaseConfig{Driver: "mysql"},
	}
	assert.ErrorContains(t, cfg.Validate(), "DSN")
}
