package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	r := DefaultTradingRules()
	assert.Equal(t, "BTCUSDT", r.NormalizeSymbol("btc"))
	assert.Equal(t, "BTCUSDT", r.NormalizeSymbol(" btcusdt "))
	assert.Equal(t, "ETHUSDT", r.NormalizeSymbol("eth/usdt"))
	assert.Equal(t, "SOLUSDC", r.NormalizeSymbol("SOLUSDC"))
	assert.Equal(t, "", r.NormalizeSymbol("  "))
}

func TestLeverageCapFallsBackToDefault(t *testing.T) {
	r := DefaultTradingRules()
	assert.Equal(t, 125, r.LeverageCap("BTCUSDT"))
	assert.Equal(t, 20, r.LeverageCap("DOGEUSDT"))
}

func TestPriceSanityBand(t *testing.T) {
	r := DefaultTradingRules()
	assert.True(t, r.IsSanePrice("BTCUSDT", d("65000")))
	assert.True(t, r.IsSanePrice("BTCUSDT", d("1000000")))
	assert.False(t, r.IsSanePrice("BTCUSDT", d("1000000.01")))
	assert.False(t, r.IsSanePrice("BTCUSDT", d("199")))
	assert.False(t, r.IsSanePrice("BTCUSDT", d("0")))
	assert.False(t, r.IsSanePrice("BTCUSDT", d("-5")))
	assert.True(t, r.IsSanePrice("XYZUSDT", d("0.5")))
}

func TestValidOrderPrice(t *testing.T) {
	assert.True(t, ValidOrderPrice(nil))
	assert.True(t, ValidOrderPrice(dp("1000000000")))
	assert.False(t, ValidOrderPrice(dp("1000000000.01")))
	assert.False(t, ValidOrderPrice(dp("0")))
}
