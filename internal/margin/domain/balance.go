package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance 用户资金汇总
type UserBalance struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	UsedMargin       decimal.Decimal `json:"used_margin"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewUserBalance 新用户的初始账本
func NewUserBalance(userID string, initial decimal.Decimal, now time.Time) *UserBalance {
	return &UserBalance{
		UserID:           userID,
		Balance:          initial,
		AvailableBalance: initial,
		UpdatedAt:        now,
	}
}

// Clone 拷贝
func (b *UserBalance) Clone() *UserBalance {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// LockMargin 开仓占用保证金
func (b *UserBalance) LockMargin(margin decimal.Decimal) {
	b.AvailableBalance = b.AvailableBalance.Sub(margin)
	b.UsedMargin = b.UsedMargin.Add(margin)
}

// Realize 平仓释放保证金并结算盈亏
func (b *UserBalance) Realize(released, pnl decimal.Decimal) {
	b.AvailableBalance = b.AvailableBalance.Add(released).Add(pnl)
	b.Balance = b.Balance.Add(pnl)
	b.UsedMargin = b.UsedMargin.Sub(released)
}

// Charge 扣除费用
func (b *UserBalance) Charge(amount decimal.Decimal) {
	b.Balance = b.Balance.Sub(amount)
	b.AvailableBalance = b.AvailableBalance.Sub(amount)
}

// Credit 入账（负数为扣减）
func (b *UserBalance) Credit(amount decimal.Decimal) {
	b.Balance = b.Balance.Add(amount)
	b.AvailableBalance = b.AvailableBalance.Add(amount)
}

// TransactionType 账本流水类型
type TransactionType string

const (
	TransactionTradingFee  TransactionType = "TRADING_FEE"
	TransactionRealizedPnL TransactionType = "REALIZED_PNL"
	TransactionAdjustment  TransactionType = "ADJUSTMENT"
)

// BalanceTransaction 只追加的账本流水，创建后不再修改
type BalanceTransaction struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reference     string          `json:"reference,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
