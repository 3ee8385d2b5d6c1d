package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultKey 杠杆上限与价格区间的兜底条目
const DefaultKey = "DEFAULT"

// MaxOrderPrice 限价/触发价上限
var MaxOrderPrice = decimal.NewFromInt(1_000_000_000)

// PriceBand 品种的合理价格区间
type PriceBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// IsSane 价格为正且落在区间放大 tolerance 倍之内：[Min/tolerance, Max*tolerance]
func (b PriceBand) IsSane(price, tolerance decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	if b.Max.IsPositive() && price.GreaterThan(b.Max.Mul(tolerance)) {
		return false
	}
	if b.Min.IsPositive() && price.LessThan(b.Min.Div(tolerance)) {
		return false
	}
	return true
}

// TradingRules 下单校验与风控使用的参数
type TradingRules struct {
	MinOrderSize          decimal.Decimal
	MaxOrderSize          decimal.Decimal
	MaxNotionalPerOrder   decimal.Decimal
	DefaultQuote          string
	KnownQuotes           []string
	MaintenanceMarginRate decimal.Decimal
	// key 为大写交易对，DEFAULT 兜底
	LeverageCaps  map[string]int
	PriceBands    map[string]PriceBand
	BandTolerance decimal.Decimal
}

// DefaultTradingRules 内置参数
func DefaultTradingRules() TradingRules {
	return TradingRules{
		MinOrderSize:          decimal.RequireFromString("0.001"),
		MaxOrderSize:          decimal.NewFromInt(1_000_000),
		MaxNotionalPerOrder:   decimal.NewFromInt(5_000_000),
		DefaultQuote:          "USDT",
		KnownQuotes:           []string{"USDT", "USDC"},
		MaintenanceMarginRate: decimal.RequireFromString("0.005"),
		LeverageCaps:          map[string]int{DefaultKey: 20, "BTCUSDT": 125, "ETHUSDT": 100},
		PriceBands: map[string]PriceBand{
			DefaultKey: {Min: decimal.RequireFromString("0.000001"), Max: decimal.NewFromInt(1_000_000)},
			"BTCUSDT":  {Min: decimal.NewFromInt(1_000), Max: decimal.NewFromInt(200_000)},
			"ETHUSDT":  {Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(20_000)},
		},
		BandTolerance: decimal.NewFromInt(5),
	}
}

// NormalizeSymbol 去空白、转大写，缺少计价币后缀时补上默认后缀
func (r TradingRules) NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if s == "" {
		return ""
	}
	quotes := r.KnownQuotes
	if len(quotes) == 0 {
		quotes = []string{r.DefaultQuote}
	}
	for _, q := range quotes {
		q = strings.ToUpper(q)
		if q != "" && strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	return s + strings.ToUpper(r.DefaultQuote)
}

// LeverageCap 交易对最大杠杆
func (r TradingRules) LeverageCap(symbol string) int {
	if c, ok := r.LeverageCaps[symbol]; ok {
		return c
	}
	return r.LeverageCaps[DefaultKey]
}

// Band 交易对价格区间
func (r TradingRules) Band(symbol string) PriceBand {
	if b, ok := r.PriceBands[symbol]; ok {
		return b
	}
	return r.PriceBands[DefaultKey]
}

// IsSanePrice 价格是否通过交易对的合理性检查
func (r TradingRules) IsSanePrice(symbol string, price decimal.Decimal) bool {
	return r.Band(symbol).IsSane(price, r.BandTolerance)
}

// CapPrice 将价格压到交易对区间上限以内，用于名义价值粗检
func (r TradingRules) CapPrice(symbol string, price decimal.Decimal) decimal.Decimal {
	b := r.Band(symbol)
	if b.Max.IsPositive() && price.GreaterThan(b.Max) {
		return b.Max
	}
	return price
}

// ValidOrderPrice 限价/触发价需在 (0, 1e9]
func ValidOrderPrice(p *decimal.Decimal) bool {
	return p == nil || (p.IsPositive() && p.LessThanOrEqual(MaxOrderPrice))
}
