package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceOracle 标记价格来源，可能变慢或失败
type PriceOracle interface {
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// FeeConfig 生效中的费率，单位为百分比（0.04 表示 0.04%）
type FeeConfig struct {
	MakerFeePercent decimal.Decimal
	TakerFeePercent decimal.Decimal
}

// FeePolicyProvider 费率来源，没有生效配置时返回 nil
type FeePolicyProvider interface {
	GetActiveFeeConfig(ctx context.Context) (*FeeConfig, error)
}
