package application

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/config"
)

// TradingRulesFromConfig 将配置转换为领域规则，未配置的项沿用内置默认值
// viper 会把 map 的 key 转成小写，这里统一转回大写交易对。
func TradingRulesFromConfig(cfg config.TradingConfig) domain.TradingRules {
	rules := domain.DefaultTradingRules()
	if cfg.MinOrderSize > 0 {
		rules.MinOrderSize = decimal.NewFromFloat(cfg.MinOrderSize)
	}
	if cfg.MaxOrderSize > 0 {
		rules.MaxOrderSize = decimal.NewFromFloat(cfg.MaxOrderSize)
	}
	if cfg.MaxNotionalPerOrder > 0 {
		rules.MaxNotionalPerOrder = decimal.NewFromFloat(cfg.MaxNotionalPerOrder)
	}
	if cfg.DefaultQuote != "" {
		rules.DefaultQuote = strings.ToUpper(cfg.DefaultQuote)
	}
	if len(cfg.KnownQuotes) > 0 {
		rules.KnownQuotes = cfg.KnownQuotes
	}
	if cfg.MaintenanceMarginRate > 0 {
		rules.MaintenanceMarginRate = decimal.NewFromFloat(cfg.MaintenanceMarginRate)
	}
	if cfg.BandTolerance > 0 {
		rules.BandTolerance = decimal.NewFromFloat(cfg.BandTolerance)
	}
	if len(cfg.LeverageCaps) > 0 {
		caps := make(map[string]int, len(cfg.LeverageCaps))
		for k, v := range cfg.LeverageCaps {
			caps[ruleKey(k)] = v
		}
		rules.LeverageCaps = caps
	}
	if len(cfg.PriceBands) > 0 {
		bands := make(map[string]domain.PriceBand, len(cfg.PriceBands))
		for k, v := range cfg.PriceBands {
			bands[ruleKey(k)] = domain.PriceBand{
				Min: decimal.NewFromFloat(v.Min),
				Max: decimal.NewFromFloat(v.Max),
			}
		}
		if _, ok := bands[domain.DefaultKey]; !ok {
			bands[domain.DefaultKey] = rules.PriceBands[domain.DefaultKey]
		}
		rules.PriceBands = bands
	}
	return rules
}

// FallbackFeesFromConfig 兜底费率
func FallbackFeesFromConfig(cfg config.TradingConfig) domain.FeeConfig {
	maker, taker := cfg.FallbackMakerFeePercent, cfg.FallbackTakerFeePercent
	if maker <= 0 {
		maker = 0.02
	}
	if taker <= 0 {
		taker = 0.04
	}
	return domain.FeeConfig{
		MakerFeePercent: decimal.NewFromFloat(maker),
		TakerFeePercent: decimal.NewFromFloat(taker),
	}
}

func ruleKey(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	if k == "DEFAULT" {
		return domain.DefaultKey
	}
	return k
}
