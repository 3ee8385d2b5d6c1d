package application

import "github.com/shopspring/decimal"

// CreateOrderCommand 下单命令
type CreateOrderCommand struct {
	UserID           string
	Symbol           string
	Side             string
	Type             string
	Quantity         decimal.Decimal
	LimitPrice       *decimal.Decimal
	StopPrice        *decimal.Decimal
	Leverage         int
	ReduceOnly       bool
	TargetPositionID string
}

// UpdatePositionRiskCommand 设置止盈止损
// 字段为 nil 表示不修改，为 0 表示清除。
type UpdatePositionRiskCommand struct {
	UserID          string
	Symbol          string
	PositionID      string
	TakeProfitPrice *decimal.Decimal
	StopLossPrice   *decimal.Decimal
}

// AdjustBalanceCommand 人工调账，Amount 为负表示扣减
type AdjustBalanceCommand struct {
	UserID string
	Amount decimal.Decimal
	Reason string
}
