package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid 是否为合法方向
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Opposite 反向
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// Valid 是否为合法类型
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopMarket, OrderTypeStopLimit:
		return true
	}
	return false
}

// IsTaker 市价与止损市价单按 taker 费率收费，其余按 maker
func (t OrderType) IsTaker() bool {
	return t == OrderTypeMarket || t == OrderTypeStopMarket
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order 订单实体
// 市价单同步转为 FILLED/REJECTED；条件单保持 PENDING 直到触发或被撤销
type Order struct {
	OrderID string    `json:"order_id"`
	UserID  string    `json:"user_id"`
	Symbol  string    `json:"symbol"`
	Side    OrderSide `json:"side"`
	Type    OrderType `json:"type"`
	// 下单时的类型，条件单触发后 Type 变为 MARKET，费率档位仍按原类型
	OriginType OrderType       `json:"origin_type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Leverage   int              `json:"leverage"`
	ReduceOnly bool             `json:"reduce_only"`
	// 平仓时优先消耗的持仓
	TargetPositionID string          `json:"target_position_id,omitempty"`
	Status           OrderStatus     `json:"status"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	Fee              decimal.Decimal `json:"fee"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsConditional 非市价单进入条件单索引
func (o *Order) IsConditional() bool {
	return o.Type != OrderTypeMarket
}

// FeeType 决定费率档位的类型
func (o *Order) FeeType() OrderType {
	if o.OriginType != "" {
		return o.OriginType
	}
	return o.Type
}

// CanBeCancelled 只有 PENDING 订单可撤销
func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPending
}

// Reject 将订单标记为拒绝并记录原因
func (o *Order) Reject(reason string, now time.Time) {
	o.Status = OrderStatusRejected
	o.Notes = reason
	o.UpdatedAt = now
}

// Fill 以给定价格全部成交
func (o *Order) Fill(price decimal.Decimal, now time.Time) {
	o.Status = OrderStatusFilled
	o.FilledQuantity = o.Quantity
	o.AveragePrice = price
	o.UpdatedAt = now
}

// Cancel 撤单
func (o *Order) Cancel(now time.Time) {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = now
}

// EffectiveLeverage 杠杆不足 1 时按 1 计
func (o *Order) EffectiveLeverage() int {
	if o.Leverage < 1 {
		return 1
	}
	return o.Leverage
}

// InitialMargin 按给定价格开仓所需保证金 quantity * price / leverage
func (o *Order) InitialMargin(price decimal.Decimal) decimal.Decimal {
	return o.Quantity.Mul(price).Div(decimal.NewFromInt(int64(o.EffectiveLeverage())))
}

// ReferencePrice 条件单的参考价格：限价优先，其次触发价
func (o *Order) ReferencePrice() (decimal.Decimal, bool) {
	if o.LimitPrice != nil {
		return *o.LimitPrice, true
	}
	if o.StopPrice != nil {
		return *o.StopPrice, true
	}
	return decimal.Zero, false
}

// Clone 深拷贝
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.LimitPrice = clonePrice(o.LimitPrice)
	c.StopPrice = clonePrice(o.StopPrice)
	return &c
}

func clonePrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
