package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 领域事件类型
const (
	EventOrderFilled           = "ORDER_FILLED"
	EventOrderRejected         = "ORDER_REJECTED"
	EventOrderCancelled        = "ORDER_CANCELLED"
	EventPositionOpened        = "POSITION_OPENED"
	EventPositionClosed        = "POSITION_CLOSED"
	EventPositionRiskTriggered = "POSITION_RISK_TRIGGERED"
	EventBalanceAdjusted       = "BALANCE_ADJUSTED"
)

// Event 领域事件信封
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// OrderEvent 订单相关事件载荷
type OrderEvent struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Type     OrderType       `json:"type"`
	Status   OrderStatus     `json:"status"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Notes    string          `json:"notes,omitempty"`
}

// PositionEvent 持仓相关事件载荷
type PositionEvent struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Trigger     RiskTrigger     `json:"trigger,omitempty"`
}

// BalanceEvent 资金调整事件载荷
type BalanceEvent struct {
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reason       string          `json:"reason"`
}

// NewOrderEvent 由订单快照构造事件
func NewOrderEvent(eventType string, o *Order, now time.Time) Event {
	return Event{
		Type:       eventType,
		UserID:     o.UserID,
		OccurredAt: now,
		Payload: OrderEvent{
			OrderID:  o.OrderID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Type:     o.Type,
			Status:   o.Status,
			Quantity: o.Quantity,
			Price:    o.AveragePrice,
			Fee:      o.Fee,
			Notes:    o.Notes,
		},
	}
}

// EventPublisher 领域事件发布接口
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
