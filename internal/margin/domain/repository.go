package domain

import "context"

// OrderRepository 订单仓储接口
type OrderRepository interface {
	SaveOrder(ctx context.Context, order *Order) error
	// GetOrder 不存在时返回 nil, nil
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// ListOrdersByUser 按创建时间升序
	ListOrdersByUser(ctx context.Context, userID string) ([]*Order, error)
	ListPendingConditionalOrders(ctx context.Context) ([]*Order, error)
}

// PositionRepository 持仓仓储接口，以 PositionID 作为幂等键
type PositionRepository interface {
	UpsertPosition(ctx context.Context, position *Position) error
	DeletePosition(ctx context.Context, positionID string) error
	// ListPositionsByUser 按创建时间升序
	ListPositionsByUser(ctx context.Context, userID string) ([]*Position, error)
	// ListPositionsByUserSymbol 按创建时间升序
	ListPositionsByUserSymbol(ctx context.Context, userID, symbol string) ([]*Position, error)
	ListAllPositions(ctx context.Context) ([]*Position, error)
}

// BalanceRepository 资金仓储接口
type BalanceRepository interface {
	// GetBalance 不存在时返回 nil, nil
	GetBalance(ctx context.Context, userID string) (*UserBalance, error)
	SaveBalance(ctx context.Context, balance *UserBalance) error
}

// TransactionRepository 只追加的流水仓储
type TransactionRepository interface {
	AppendTransaction(ctx context.Context, tx *BalanceTransaction) error
	// ListTransactions 按创建时间倒序，limit <= 0 表示不限
	ListTransactions(ctx context.Context, userID string, limit int) ([]*BalanceTransaction, error)
}

// LedgerStore 账本存储，核心视其为持仓与资金的最终事实来源
type LedgerStore interface {
	OrderRepository
	PositionRepository
	BalanceRepository
	TransactionRepository
	// WithTx 在同一事务内执行 fn，fn 返回 nil 时提交
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
