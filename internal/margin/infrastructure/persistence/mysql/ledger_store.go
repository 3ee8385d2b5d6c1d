// Package mysql 提供账本存储的 GORM 实现（MySQL / PostgreSQL）
package mysql

import (
	"context"
	"fmt"

	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/db"
	"github.com/wyfcoding/margintrading/pkg/logger"
	"gorm.io/gorm/clause"
)

var (
	orderUpdateColumns = []string{
		"type", "quantity", "limit_price", "stop_price", "status", "filled_quantity",
		"average_price", "fee", "notes", "updated_at",
	}
	positionUpdateColumns = []string{
		"size", "mark_price", "margin", "realized_pnl", "unrealized_pnl", "take_profit_price",
		"stop_loss_price", "liquidation_price", "updated_at",
	}
	balanceUpdateColumns = []string{
		"balance", "available_balance", "used_margin", "unrealized_pnl", "updated_at",
	}
)

type ledgerStore struct {
	db *db.DB
}

// NewLedgerStore 创建 GORM 账本存储
func NewLedgerStore(database *db.DB) domain.LedgerStore {
	return &ledgerStore{db: database}
}

// AutoMigrate 建表
func AutoMigrate(ctx context.Context, database *db.DB) error {
	if err := database.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	return nil
}

func (s *ledgerStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithTx(ctx, fn)
}

func (s *ledgerStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	model := fromOrder(order)
	err := s.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns(orderUpdateColumns),
	}).Create(model).Error
	if err != nil {
		logger.Error(ctx, "ledger_store.SaveOrder failed", "order_id", order.OrderID, "error", err)
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *ledgerStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel
	if err := s.db.Conn(ctx).Where("order_id = ?", orderID).First(&model).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return toOrder(&model), nil
}

func (s *ledgerStore) ListOrdersByUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	var models []OrderModel
	if err := s.db.Conn(ctx).Where("user_id = ?", userID).Order("placed_at asc, id asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	out := make([]*domain.Order, len(models))
	for i := range models {
		out[i] = toOrder(&models[i])
	}
	return out, nil
}

func (s *ledgerStore) ListPendingConditionalOrders(ctx context.Context) ([]*domain.Order, error) {
	var models []OrderModel
	err := s.db.Conn(ctx).
		Where("status = ? AND type <> ?", domain.OrderStatusPending, domain.OrderTypeMarket).
		Order("placed_at asc, id asc").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	out := make([]*domain.Order, len(models))
	for i := range models {
		out[i] = toOrder(&models[i])
	}
	return out, nil
}

func (s *ledgerStore) UpsertPosition(ctx context.Context, position *domain.Position) error {
	model := fromPosition(position)
	err := s.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_id"}},
		DoUpdates: clause.AssignmentColumns(positionUpdateColumns),
	}).Create(model).Error
	if err != nil {
		logger.Error(ctx, "ledger_store.UpsertPosition failed", "position_id", position.PositionID, "error", err)
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// DeletePosition 物理删除，已平仓的持仓通过流水与订单追溯
func (s *ledgerStore) DeletePosition(ctx context.Context, positionID string) error {
	err := s.db.Conn(ctx).Unscoped().Where("position_id = ?", positionID).Delete(&PositionModel{}).Error
	if err != nil {
		logger.Error(ctx, "ledger_store.DeletePosition failed", "position_id", positionID, "error", err)
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

func (s *ledgerStore) ListPositionsByUser(ctx context.Context, userID string) ([]*domain.Position, error) {
	return s.listPositions(ctx, "user_id = ?", userID)
}

func (s *ledgerStore) ListPositionsByUserSymbol(ctx context.Context, userID, symbol string) ([]*domain.Position, error) {
	return s.listPositions(ctx, "user_id = ? AND symbol = ?", userID, symbol)
}

func (s *ledgerStore) ListAllPositions(ctx context.Context) ([]*domain.Position, error) {
	return s.listPositions(ctx, "size > 0")
}

func (s *ledgerStore) listPositions(ctx context.Context, query string, args ...any) ([]*domain.Position, error) {
	var models []PositionModel
	if err := s.db.Conn(ctx).Where(query, args...).Order("opened_at asc, id asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	out := make([]*domain.Position, len(models))
	for i := range models {
		out[i] = toPosition(&models[i])
	}
	return out, nil
}

func (s *ledgerStore) GetBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	var model BalanceModel
	if err := s.db.Conn(ctx).Where("user_id = ?", userID).First(&model).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return toBalance(&model), nil
}

func (s *ledgerStore) SaveBalance(ctx context.Context, balance *domain.UserBalance) error {
	model := &BalanceModel{
		UserID:           balance.UserID,
		Balance:          balance.Balance,
		AvailableBalance: balance.AvailableBalance,
		UsedMargin:       balance.UsedMargin,
		UnrealizedPnL:    balance.UnrealizedPnL,
	}
	err := s.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(balanceUpdateColumns),
	}).Create(model).Error
	if err != nil {
		logger.Error(ctx, "ledger_store.SaveBalance failed", "user_id", balance.UserID, "error", err)
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (s *ledgerStore) AppendTransaction(ctx context.Context, tx *domain.BalanceTransaction) error {
	model := &TransactionModel{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Reference:     tx.Reference,
		Reason:        truncate(tx.Reason, 255),
		CreatedAt:     tx.CreatedAt,
	}
	if err := s.db.Conn(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *ledgerStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.BalanceTransaction, error) {
	q := s.db.Conn(ctx).Where("user_id = ?", userID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []TransactionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]*domain.BalanceTransaction, len(models))
	for i, m := range models {
		out[i] = &domain.BalanceTransaction{
			TransactionID: m.TransactionID,
			UserID:        m.UserID,
			Type:          domain.TransactionType(m.Type),
			Amount:        m.Amount,
			BalanceAfter:  m.BalanceAfter,
			Reference:     m.Reference,
			Reason:        m.Reason,
			CreatedAt:     m.CreatedAt,
		}
	}
	return out, nil
}
