// Package memory 提供进程内的账本存储实现，用于测试与单机开发环境
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wyfcoding/margintrading/internal/margin/domain"
)

type ledgerStore struct {
	mu           sync.RWMutex
	orders       map[string]*domain.Order
	positions    map[string]*domain.Position
	balances     map[string]*domain.UserBalance
	transactions map[string][]*domain.BalanceTransaction
}

// NewLedgerStore 创建内存账本
func NewLedgerStore() domain.LedgerStore {
	return &ledgerStore{
		orders:       make(map[string]*domain.Order),
		positions:    make(map[string]*domain.Position),
		balances:     make(map[string]*domain.UserBalance),
		transactions: make(map[string][]*domain.BalanceTransaction),
	}
}

// WithTx 内存实现没有回滚能力，直接执行
func (s *ledgerStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *ledgerStore) SaveOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order.Clone()
	return nil
}

func (s *ledgerStore) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orders[orderID]; ok {
		return o.Clone(), nil
	}
	return nil, nil
}

func (s *ledgerStore) ListOrdersByUser(_ context.Context, userID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *ledgerStore) ListPendingConditionalOrders(_ context.Context) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if o.Status == domain.OrderStatusPending && o.IsConditional() {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *ledgerStore) UpsertPosition(_ context.Context, position *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := position.Clone()
	p.Persisted = true
	s.positions[p.PositionID] = p
	return nil
}

func (s *ledgerStore) DeletePosition(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, positionID)
	return nil
}

func (s *ledgerStore) ListPositionsByUser(_ context.Context, userID string) ([]*domain.Position, error) {
	return s.filterPositions(func(p *domain.Position) bool { return p.UserID == userID }), nil
}

func (s *ledgerStore) ListPositionsByUserSymbol(_ context.Context, userID, symbol string) ([]*domain.Position, error) {
	return s.filterPositions(func(p *domain.Position) bool {
		return p.UserID == userID && p.Symbol == symbol
	}), nil
}

func (s *ledgerStore) ListAllPositions(_ context.Context) ([]*domain.Position, error) {
	return s.filterPositions(func(*domain.Position) bool { return true }), nil
}

func (s *ledgerStore) filterPositions(keep func(*domain.Position) bool) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Position, 0)
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PositionID < out[j].PositionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *ledgerStore) GetBalance(_ context.Context, userID string) (*domain.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[userID]; ok {
		return b.Clone(), nil
	}
	return nil, nil
}

func (s *ledgerStore) SaveBalance(_ context.Context, balance *domain.UserBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balance.UserID] = balance.Clone()
	return nil
}

func (s *ledgerStore) AppendTransaction(_ context.Context, tx *domain.BalanceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *tx
	s.transactions[tx.UserID] = append(s.transactions[tx.UserID], &c)
	return nil
}

func (s *ledgerStore) ListTransactions(_ context.Context, userID string, limit int) ([]*domain.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txs := s.transactions[userID]
	out := make([]*domain.BalanceTransaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		c := *txs[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortOrders(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
