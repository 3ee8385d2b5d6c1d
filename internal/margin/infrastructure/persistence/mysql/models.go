package mysql

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"gorm.io/gorm"
)

// OrderModel 订单表映射
type OrderModel struct {
	gorm.Model
	OrderID          string              `gorm:"column:order_id;type:varchar(32);uniqueIndex;not null"`
	UserID           string              `gorm:"column:user_id;type:varchar(64);index:idx_order_user_created;not null"`
	Symbol           string              `gorm:"column:symbol;type:varchar(20);not null"`
	Side             string              `gorm:"column:side;type:varchar(10);not null"`
	Type             string              `gorm:"column:type;type:varchar(20);not null"`
	OriginType       string              `gorm:"column:origin_type;type:varchar(20);not null"`
	Quantity         decimal.Decimal     `gorm:"column:quantity;type:decimal(32,18);not null"`
	LimitPrice       decimal.NullDecimal `gorm:"column:limit_price;type:decimal(32,18)"`
	StopPrice        decimal.NullDecimal `gorm:"column:stop_price;type:decimal(32,18)"`
	Leverage         int                 `gorm:"column:leverage;not null;default:1"`
	ReduceOnly       bool                `gorm:"column:reduce_only;not null;default:false"`
	TargetPositionID string              `gorm:"column:target_position_id;type:varchar(32)"`
	Status           string              `gorm:"column:status;type:varchar(20);index;not null"`
	FilledQuantity   decimal.Decimal     `gorm:"column:filled_quantity;type:decimal(32,18);not null;default:0"`
	AveragePrice     decimal.Decimal     `gorm:"column:average_price;type:decimal(32,18);not null;default:0"`
	Fee              decimal.Decimal     `gorm:"column:fee;type:decimal(32,18);not null;default:0"`
	Notes            string              `gorm:"column:notes;type:varchar(255)"`
	PlacedAt         time.Time           `gorm:"column:placed_at;index:idx_order_user_created;not null"`
}

func (OrderModel) TableName() string { return "margin_orders" }

// PositionModel 持仓表映射，position_id 为 upsert 冲突键
type PositionModel struct {
	gorm.Model
	PositionID            string              `gorm:"column:position_id;type:varchar(32);uniqueIndex;not null"`
	UserID                string              `gorm:"column:user_id;type:varchar(64);index:idx_pos_user_symbol;not null"`
	Symbol                string              `gorm:"column:symbol;type:varchar(20);index:idx_pos_user_symbol;not null"`
	Side                  string              `gorm:"column:side;type:varchar(10);not null"`
	Size                  decimal.Decimal     `gorm:"column:size;type:decimal(32,18);not null"`
	EntryPrice            decimal.Decimal     `gorm:"column:entry_price;type:decimal(32,18);not null"`
	MarkPrice             decimal.Decimal     `gorm:"column:mark_price;type:decimal(32,18);not null"`
	Leverage              int                 `gorm:"column:leverage;not null"`
	Margin                decimal.Decimal     `gorm:"column:margin;type:decimal(32,18);not null"`
	RealizedPnL           decimal.Decimal     `gorm:"column:realized_pnl;type:decimal(32,18);not null;default:0"`
	UnrealizedPnL         decimal.Decimal     `gorm:"column:unrealized_pnl;type:decimal(32,18);not null;default:0"`
	TakeProfitPrice       decimal.NullDecimal `gorm:"column:take_profit_price;type:decimal(32,18)"`
	StopLossPrice         decimal.NullDecimal `gorm:"column:stop_loss_price;type:decimal(32,18)"`
	MaintenanceMarginRate decimal.Decimal     `gorm:"column:maintenance_margin_rate;type:decimal(10,6);not null"`
	LiquidationPrice      decimal.NullDecimal `gorm:"column:liquidation_price;type:decimal(32,18)"`
	IsIsolated            bool                `gorm:"column:is_isolated;not null;default:true"`
	OpenedAt              time.Time           `gorm:"column:opened_at;not null"`
}

func (PositionModel) TableName() string { return "margin_positions" }

// BalanceModel 资金表映射
type BalanceModel struct {
	gorm.Model
	UserID           string          `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null"`
	Balance          decimal.Decimal `gorm:"column:balance;type:decimal(32,18);not null"`
	AvailableBalance decimal.Decimal `gorm:"column:available_balance;type:decimal(32,18);not null"`
	UsedMargin       decimal.Decimal `gorm:"column:used_margin;type:decimal(32,18);not null"`
	UnrealizedPnL    decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(32,18);not null"`
}

func (BalanceModel) TableName() string { return "margin_balances" }

// TransactionModel 资金流水表映射，只插入不更新
type TransactionModel struct {
	ID            uint            `gorm:"primarykey"`
	TransactionID string          `gorm:"column:transaction_id;type:varchar(32);uniqueIndex;not null"`
	UserID        string          `gorm:"column:user_id;type:varchar(64);index:idx_txn_user_created;not null"`
	Type          string          `gorm:"column:type;type:varchar(20);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:decimal(32,18);not null"`
	Reference     string          `gorm:"column:reference;type:varchar(64)"`
	Reason        string          `gorm:"column:reason;type:varchar(255)"`
	CreatedAt     time.Time       `gorm:"column:created_at;index:idx_txn_user_created;not null"`
}

func (TransactionModel) TableName() string { return "margin_balance_transactions" }

// Models 需要迁移的全部表
func Models() []any {
	return []any{&OrderModel{}, &PositionModel{}, &BalanceModel{}, &TransactionModel{}}
}

func toNull(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*p)
}

func fromNull(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}

func fromOrder(o *domain.Order) *OrderModel {
	return &OrderModel{
		OrderID:          o.OrderID,
		UserID:           o.UserID,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Type:             string(o.Type),
		OriginType:       string(o.OriginType),
		Quantity:         o.Quantity,
		LimitPrice:       toNull(o.LimitPrice),
		StopPrice:        toNull(o.StopPrice),
		Leverage:         o.Leverage,
		ReduceOnly:       o.ReduceOnly,
		TargetPositionID: o.TargetPositionID,
		Status:           string(o.Status),
		FilledQuantity:   o.FilledQuantity,
		AveragePrice:     o.AveragePrice,
		Fee:              o.Fee,
		Notes:            truncate(o.Notes, 255),
		PlacedAt:         o.CreatedAt,
	}
}

func toOrder(m *OrderModel) *domain.Order {
	return &domain.Order{
		OrderID:          m.OrderID,
		UserID:           m.UserID,
		Symbol:           m.Symbol,
		Side:             domain.OrderSide(m.Side),
		Type:             domain.OrderType(m.Type),
		OriginType:       domain.OrderType(m.OriginType),
		Quantity:         m.Quantity,
		LimitPrice:       fromNull(m.LimitPrice),
		StopPrice:        fromNull(m.StopPrice),
		Leverage:         m.Leverage,
		ReduceOnly:       m.ReduceOnly,
		TargetPositionID: m.TargetPositionID,
		Status:           domain.OrderStatus(m.Status),
		FilledQuantity:   m.FilledQuantity,
		AveragePrice:     m.AveragePrice,
		Fee:              m.Fee,
		Notes:            m.Notes,
		CreatedAt:        m.PlacedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func fromPosition(p *domain.Position) *PositionModel {
	return &PositionModel{
		PositionID:            p.PositionID,
		UserID:                p.UserID,
		Symbol:                p.Symbol,
		Side:                  string(p.Side),
		Size:                  p.Size,
		EntryPrice:            p.EntryPrice,
		MarkPrice:             p.MarkPrice,
		Leverage:              p.Leverage,
		Margin:                p.Margin,
		RealizedPnL:           p.RealizedPnL,
		UnrealizedPnL:         p.UnrealizedPnL,
		TakeProfitPrice:       toNull(p.TakeProfitPrice),
		StopLossPrice:         toNull(p.StopLossPrice),
		MaintenanceMarginRate: p.MaintenanceMarginRate,
		LiquidationPrice:      toNull(p.LiquidationPrice),
		IsIsolated:            p.IsIsolated,
		OpenedAt:              p.CreatedAt,
	}
}

func toPosition(m *PositionModel) *domain.Position {
	return &domain.Position{
		PositionID:            m.PositionID,
		UserID:                m.UserID,
		Symbol:                m.Symbol,
		Side:                  domain.OrderSide(m.Side),
		Size:                  m.Size,
		EntryPrice:            m.EntryPrice,
		MarkPrice:             m.MarkPrice,
		Leverage:              m.Leverage,
		Margin:                m.Margin,
		RealizedPnL:           m.RealizedPnL,
		UnrealizedPnL:         m.UnrealizedPnL,
		TakeProfitPrice:       fromNull(m.TakeProfitPrice),
		StopLossPrice:         fromNull(m.StopLossPrice),
		MaintenanceMarginRate: m.MaintenanceMarginRate,
		LiquidationPrice:      fromNull(m.LiquidationPrice),
		IsIsolated:            m.IsIsolated,
		Persisted:             true,
		CreatedAt:             m.OpenedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func toBalance(m *BalanceModel) *domain.UserBalance {
	return &domain.UserBalance{
		UserID:           m.UserID,
		Balance:          m.Balance,
		AvailableBalance: m.AvailableBalance,
		UsedMargin:       m.UsedMargin,
		UnrealizedPnL:    m.UnrealizedPnL,
		UpdatedAt:        m.UpdatedAt,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
