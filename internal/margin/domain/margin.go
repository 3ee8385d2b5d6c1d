// Package domain 包含杠杆交易核心的领域模型：订单、持仓、资金账本及其业务规则
package domain

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrBalanceNotFound   = errors.New("balance not found")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidUser       = errors.New("user id is required")
	ErrPriceUnavailable  = errors.New("mark price unavailable")
	ErrAbnormalPrice     = errors.New("abnormal market price")
	ErrNoOpenPosition    = errors.New("no open position")
	ErrInvalidAdjustment = errors.New("invalid balance adjustment")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidRiskPrice  = errors.New("take profit and stop loss must not be negative")
)

// Rejection reasons recorded in Order.Notes.
const (
	ReasonInvalidSymbol       = "invalid symbol"
	ReasonInvalidSide         = "invalid order side"
	ReasonInvalidType         = "invalid order type"
	ReasonQuantityOutOfRange  = "quantity out of range"
	ReasonInvalidLeverage     = "invalid leverage"
	ReasonLeverageExceedsCap  = "leverage exceeds symbol cap"
	ReasonInvalidLimitPrice   = "invalid limit price"
	ReasonInvalidStopPrice    = "invalid stop price"
	ReasonMissingLimitPrice   = "limit price required"
	ReasonMissingStopPrice    = "stop price required"
	ReasonNoPositionToReduce  = "no open position to reduce"
	ReasonPriceUnavailable    = "mark price unavailable"
	ReasonInvalidNotional     = "invalid notional: price outside sanity band"
	ReasonNotionalTooLarge    = "notional exceeds max per order"
	ReasonNoAvailableBalance  = "no available balance"
	ReasonInsufficientMargin  = "insufficient available balance for required margin"
	ReasonAbnormalMarketPrice = "abnormal market price"
)
