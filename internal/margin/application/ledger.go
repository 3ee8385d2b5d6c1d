package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

// errAbort 由变更函数返回，表示放弃本次变更且不视为失败
var errAbort = errors.New("mutation aborted")

// workingSet 临界区内某个用户账本的工作副本
type workingSet struct {
	userID    string
	now       time.Time
	balance   *domain.UserBalance
	positions []*domain.Position
	orders    []*domain.Order
	touched   map[string]*domain.Position
	removed   []*domain.Position
	txs       []*domain.BalanceTransaction
	events    []domain.Event
	// 仅更新内存（例如按标记价格重估）时为 false
	persist bool
}

// openPositions 指定交易对与方向的持仓，FIFO 顺序
func (ws *workingSet) openPositions(symbol string, side domain.OrderSide) []*domain.Position {
	out := make([]*domain.Position, 0)
	for _, p := range ws.positions {
		if p.Symbol == symbol && p.Side == side {
			out = append(out, p)
		}
	}
	return out
}

// openSize 指定交易对与方向的持仓总量
func (ws *workingSet) openSize(symbol string, side domain.OrderSide) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ws.openPositions(symbol, side) {
		total = total.Add(p.Size)
	}
	return total
}

func (ws *workingSet) find(positionID string) *domain.Position {
	for _, p := range ws.positions {
		if p.PositionID == positionID {
			return p
		}
	}
	return nil
}

func (ws *workingSet) add(p *domain.Position) {
	ws.positions = append(ws.positions, p)
	ws.touched[p.PositionID] = p
}

func (ws *workingSet) touch(p *domain.Position) {
	ws.touched[p.PositionID] = p
}

func (ws *workingSet) remove(p *domain.Position) {
	kept := ws.positions[:0]
	for _, existing := range ws.positions {
		if existing.PositionID != p.PositionID {
			kept = append(kept, existing)
		}
	}
	ws.positions = kept
	delete(ws.touched, p.PositionID)
	ws.removed = append(ws.removed, p)
}

func (ws *workingSet) saveOrder(o *domain.Order) {
	ws.orders = append(ws.orders, o)
}

func (ws *workingSet) emit(e domain.Event) {
	ws.events = append(ws.events, e)
}

// recomputeUnrealized 资金的未实现盈亏等于该用户全部持仓未实现盈亏之和
func (ws *workingSet) recomputeUnrealized() {
	total := decimal.Zero
	for _, p := range ws.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	ws.balance.UnrealizedPnL = total
	ws.balance.UpdatedAt = ws.now
}

// userLedger 负责用户数据的装载、临界区内的变更以及按序落库
type userLedger struct {
	store          domain.LedgerStore
	cache          *StateCache
	gates          *userGates
	publisher      domain.EventPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	initialBalance decimal.Decimal
	now            func() time.Time
}

// sync 将用户的资金与持仓从存储装载进缓存；force 为 true 时即使已装载也刷新
func (l *userLedger) sync(ctx context.Context, userID string, force bool) error {
	g := l.gates.get(userID)

	g.state.Lock()
	if !force && l.cache.Loaded(userID) {
		g.state.Unlock()
		return nil
	}
	version := l.cache.Version(userID)
	// 拿到 flush 后，版本 version 之前的变更都已落库
	g.flush.Lock()
	g.state.Unlock()

	balance, positions, err := l.load(ctx, userID)
	g.flush.Unlock()
	if err != nil {
		return err
	}

	g.state.Lock()
	installed := l.cache.Install(userID, balance, positions, version)
	g.state.Unlock()
	if !installed {
		l.logger.DebugContext(ctx, "skip stale cache refresh", "user_id", userID)
	}
	return nil
}

func (l *userLedger) load(ctx context.Context, userID string) (*domain.UserBalance, []*domain.Position, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load balance for %s: %w", userID, err)
	}
	if balance == nil {
		balance = domain.NewUserBalance(userID, l.initialBalance, l.now())
	}
	positions, err := l.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load positions for %s: %w", userID, err)
	}
	return balance, positions, nil
}

// mutate 在用户临界区内对工作副本执行 fn，成功后提交缓存，再在临界区外按序落库并发布事件
// fn 返回错误时不提交任何变更；返回 errAbort 时 mutate 返回 nil。
func (l *userLedger) mutate(ctx context.Context, userID string, fn func(ws *workingSet) error) error {
	if userID == "" {
		return domain.ErrInvalidUser
	}
	if err := l.sync(ctx, userID, false); err != nil {
		return err
	}

	g := l.gates.get(userID)
	g.state.Lock()
	balance, _ := l.cache.Balance(userID)
	if balance == nil {
		// 装载后不会被卸载，这里只可能是并发刷新尚未完成
		g.state.Unlock()
		return fmt.Errorf("balance for %s not loaded", userID)
	}
	ws := &workingSet{
		userID:    userID,
		now:       l.now(),
		balance:   balance,
		positions: l.cache.Positions(userID),
		touched:   make(map[string]*domain.Position),
		persist:   true,
	}

	if err := fn(ws); err != nil {
		g.state.Unlock()
		if errors.Is(err, errAbort) {
			return nil
		}
		return err
	}

	l.cache.Commit(userID, ws.balance, ws.positions, ws.orders)
	if !ws.persist {
		g.state.Unlock()
		return nil
	}

	g.flush.Lock()
	g.state.Unlock()
	persisted := l.flush(ctx, ws)
	g.flush.Unlock()

	if len(persisted) > 0 {
		g.state.Lock()
		l.cache.MarkPersisted(userID, persisted)
		g.state.Unlock()
	}

	l.publish(ctx, ws.events)
	return nil
}

// flush 在一个存储事务中写入本次变更；失败只记录日志，不回滚内存状态
func (l *userLedger) flush(ctx context.Context, ws *workingSet) []string {
	upserted := make([]string, 0, len(ws.touched))
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		for _, o := range ws.orders {
			if err := l.store.SaveOrder(ctx, o); err != nil {
				return err
			}
		}
		for _, p := range ws.positions {
			if _, ok := ws.touched[p.PositionID]; !ok {
				continue
			}
			if err := l.store.UpsertPosition(ctx, p); err != nil {
				return err
			}
			upserted = append(upserted, p.PositionID)
		}
		for _, p := range ws.removed {
			if err := l.store.DeletePosition(ctx, p.PositionID); err != nil {
				return err
			}
		}
		if err := l.store.SaveBalance(ctx, ws.balance); err != nil {
			return err
		}
		for _, tx := range ws.txs {
			if err := l.store.AppendTransaction(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.metrics.PersistFailuresTotal.Inc()
		l.logger.ErrorContext(ctx, "failed to persist ledger mutation, keeping in-memory state",
			"user_id", ws.userID,
			"orders", len(ws.orders),
			"positions", len(ws.touched),
			"removed", len(ws.removed),
			"error", err,
		)
		return nil
	}
	return upserted
}

func (l *userLedger) publish(ctx context.Context, events []domain.Event) {
	if l.publisher == nil {
		return
	}
	for _, e := range events {
		if err := l.publisher.Publish(ctx, e); err != nil {
			l.logger.WarnContext(ctx, "failed to publish event", "type", e.Type, "user_id", e.UserID, "error", err)
		}
	}
}

// recordOrder 保存不涉及资金与持仓的订单状态（拒绝、撤销），写库失败只记录日志
func (l *userLedger) recordOrder(ctx context.Context, o *domain.Order, eventType string) {
	l.cache.PutOrder(o)
	if err := l.store.SaveOrder(ctx, o); err != nil {
		l.metrics.PersistFailuresTotal.Inc()
		l.logger.ErrorContext(ctx, "failed to persist order", "order_id", o.OrderID, "status", o.Status, "error", err)
	}
	if eventType != "" {
		l.publish(ctx, []domain.Event{domain.NewOrderEvent(eventType, o, l.now())})
	}
}
