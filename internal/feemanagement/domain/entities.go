// Package domain 包含手续费管理的领域模型
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidFeeRate = errors.New("fee rate must be within [0, 1] percent")

var maxFeePercent = decimal.NewFromInt(1)

// FeeSchedule 费率表，同一时刻只有一张处于生效状态
type FeeSchedule struct {
	ScheduleID string `json:"schedule_id"`
	Name       string `json:"name"`
	// 百分比，0.02 表示 0.02%
	MakerFeePercent decimal.Decimal `json:"maker_fee_percent"`
	TakerFeePercent decimal.Decimal `json:"taker_fee_percent"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Validate 校验费率范围
func (s *FeeSchedule) Validate() error {
	for _, r := range []decimal.Decimal{s.MakerFeePercent, s.TakerFeePercent} {
		if r.IsNegative() || r.GreaterThan(maxFeePercent) {
			return ErrInvalidFeeRate
		}
	}
	return nil
}

// Calculate 按名义价值计算手续费：notional * rate / 100
func (s *FeeSchedule) Calculate(notional decimal.Decimal, taker bool) decimal.Decimal {
	rate := s.MakerFeePercent
	if taker {
		rate = s.TakerFeePercent
	}
	return notional.Mul(rate).Div(decimal.NewFromInt(100))
}

// FeeRepository 仓储接口
type FeeRepository interface {
	// SaveSchedule 保存费率表，Active 为 true 时同时停用其余费率表
	SaveSchedule(ctx context.Context, s *FeeSchedule) error
	// GetActiveSchedule 没有生效费率表时返回 nil, nil
	GetActiveSchedule(ctx context.Context) (*FeeSchedule, error)
	ListSchedules(ctx context.Context) ([]*FeeSchedule, error)
}
