package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SizeEpsilon 判定持仓已全部平掉的容差
var SizeEpsilon = decimal.New(1, -9)

// Position 单笔杠杆持仓
// 同一用户同一交易对可以同时存在多笔独立持仓，开仓从不合并
type Position struct {
	// 稳定的外部 ID，平仓与持久化都以此为准
	PositionID            string           `json:"position_id"`
	UserID                string           `json:"user_id"`
	Symbol                string           `json:"symbol"`
	Side                  OrderSide        `json:"side"`
	Size                  decimal.Decimal  `json:"size"`
	EntryPrice            decimal.Decimal  `json:"entry_price"`
	MarkPrice             decimal.Decimal  `json:"mark_price"`
	Leverage              int              `json:"leverage"`
	Margin                decimal.Decimal  `json:"margin"`
	RealizedPnL           decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL         decimal.Decimal  `json:"unrealized_pnl"`
	TakeProfitPrice       *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice         *decimal.Decimal `json:"stop_loss_price,omitempty"`
	MaintenanceMarginRate decimal.Decimal  `json:"maintenance_margin_rate"`
	LiquidationPrice      *decimal.Decimal `json:"liquidation_price,omitempty"`
	IsIsolated            bool             `json:"is_isolated"`
	// 是否已写入账本存储
	Persisted bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPosition 按成交创建新持仓，margin = size * price / max(1, leverage)
func NewPosition(positionID string, order *Order, price, mmr decimal.Decimal, now time.Time) *Position {
	p := &Position{
		PositionID:            positionID,
		UserID:                order.UserID,
		Symbol:                order.Symbol,
		Side:                  order.Side,
		Size:                  order.Quantity,
		EntryPrice:            price,
		MarkPrice:             price,
		Leverage:              order.EffectiveLeverage(),
		Margin:                order.InitialMargin(price),
		MaintenanceMarginRate: mmr,
		IsIsolated:            true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	p.LiquidationPrice = LiquidationPrice(p.Side, price, p.Leverage, mmr)
	return p
}

// SideFactor 多头 +1，空头 -1
func (p *Position) SideFactor() decimal.Decimal {
	if p.Side == OrderSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PnLAt 以 price 平掉 qty 的盈亏
func (p *Position) PnLAt(price, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.SideFactor()).Mul(qty)
}

// MarkTo 按最新标记价格重估未实现盈亏
func (p *Position) MarkTo(price decimal.Decimal, now time.Time) {
	p.MarkPrice = price
	p.UnrealizedPnL = p.PnLAt(price, p.Size)
	p.UpdatedAt = now
}

// ReduceResult 一次平仓的结果
type ReduceResult struct {
	ClosedQty      decimal.Decimal
	RealizedPnL    decimal.Decimal
	MarginReleased decimal.Decimal
	FullyClosed    bool
}

// Reduce 以 price 平掉 min(qty, size)，返回实际平仓量、实现盈亏与释放保证金
func (p *Position) Reduce(qty, price decimal.Decimal, now time.Time) ReduceResult {
	closeQty := decimal.Min(qty, p.Size)
	res := ReduceResult{
		ClosedQty:   closeQty,
		RealizedPnL: p.PnLAt(price, closeQty),
		FullyClosed: p.Size.Sub(closeQty).LessThanOrEqual(SizeEpsilon),
	}
	if res.FullyClosed {
		res.MarginReleased = p.Margin
		p.Size = decimal.Zero
		p.Margin = decimal.Zero
	} else {
		res.MarginReleased = p.Margin.Mul(closeQty).Div(p.Size)
		p.Size = p.Size.Sub(closeQty)
		p.Margin = p.Margin.Sub(res.MarginReleased)
	}
	p.RealizedPnL = p.RealizedPnL.Add(res.RealizedPnL)
	p.MarkTo(price, now)
	return res
}

// RiskTrigger 风控触发类型
type RiskTrigger string

const (
	RiskTriggerNone        RiskTrigger = ""
	RiskTriggerLiquidation RiskTrigger = "liquidation"
	RiskTriggerTakeProfit  RiskTrigger = "take_profit"
	RiskTriggerStopLoss    RiskTrigger = "stop_loss"
)

// EvaluateRisk 按强平、止盈、止损的优先级检查标记价格
func (p *Position) EvaluateRisk(mark decimal.Decimal) RiskTrigger {
	long := p.Side == OrderSideBuy
	if p.LiquidationPrice != nil {
		if (long && mark.LessThanOrEqual(*p.LiquidationPrice)) || (!long && mark.GreaterThanOrEqual(*p.LiquidationPrice)) {
			return RiskTriggerLiquidation
		}
	}
	if p.TakeProfitPrice != nil {
		if (long && mark.GreaterThanOrEqual(*p.TakeProfitPrice)) || (!long && mark.LessThanOrEqual(*p.TakeProfitPrice)) {
			return RiskTriggerTakeProfit
		}
	}
	if p.StopLossPrice != nil {
		if (long && mark.LessThanOrEqual(*p.StopLossPrice)) || (!long && mark.GreaterThanOrEqual(*p.StopLossPrice)) {
			return RiskTriggerStopLoss
		}
	}
	return RiskTriggerNone
}

// Clone 深拷贝
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.TakeProfitPrice = clonePrice(p.TakeProfitPrice)
	c.StopLossPrice = clonePrice(p.StopLossPrice)
	c.LiquidationPrice = clonePrice(p.LiquidationPrice)
	return &c
}

// LiquidationPrice 逐仓近似强平价
//
//	多头: E * (1 - 1/L + M)
//	空头: E * (1 + 1/L - M)
//
// L <= 0 或 E <= 0 时返回 nil。
func LiquidationPrice(side OrderSide, entry decimal.Decimal, leverage int, mmr decimal.Decimal) *decimal.Decimal {
	if leverage <= 0 || !entry.IsPositive() {
		return nil
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	one := decimal.NewFromInt(1)
	var factor decimal.Decimal
	if side == OrderSideSell {
		factor = one.Add(inv).Sub(mmr)
	} else {
		factor = one.Sub(inv).Add(mmr)
	}
	price := entry.Mul(factor)
	return &price
}
