package application

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
)

// ConditionalIndex 挂单中的条件单，按订单 ID 索引
// 只在内存中存在，持久化由订单本身承担。
// 触发方先 Claim 订单，执行结束后 Settle 或 Release；认领期间订单仍留在索引中，撤单需等待认领结束。
type ConditionalIndex struct {
	mu      sync.RWMutex
	orders  map[string]*domain.Order
	claimed map[string]chan struct{}
}

// NewConditionalIndex 创建条件单索引
func NewConditionalIndex() *ConditionalIndex {
	return &ConditionalIndex{
		orders:  make(map[string]*domain.Order),
		claimed: make(map[string]chan struct{}),
	}
}

// Add 加入或覆盖
func (x *ConditionalIndex) Add(o *domain.Order) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.orders[o.OrderID] = o.Clone()
}

// Take 移除未被认领的订单
// 订单正被触发方认领时返回 false 和一个在认领结束时关闭的通道。
func (x *ConditionalIndex) Take(orderID string) (bool, <-chan struct{}) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.orders[orderID]; !ok {
		return false, nil
	}
	if done, busy := x.claimed[orderID]; busy {
		return false, done
	}
	delete(x.orders, orderID)
	return true, nil
}

// Claim 独占订单用于触发，已被认领或不存在时返回 false
func (x *ConditionalIndex) Claim(orderID string) (*domain.Order, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[orderID]
	if !ok {
		return nil, false
	}
	if _, busy := x.claimed[orderID]; busy {
		return nil, false
	}
	x.claimed[orderID] = make(chan struct{})
	return o.Clone(), true
}

// Release 放弃认领，订单继续挂单
func (x *ConditionalIndex) Release(orderID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.unclaim(orderID)
}

// Settle 认领的订单已处理完毕（成交或终结），从索引中移除
func (x *ConditionalIndex) Settle(orderID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.orders, orderID)
	x.unclaim(orderID)
}

func (x *ConditionalIndex) unclaim(orderID string) {
	if done, ok := x.claimed[orderID]; ok {
		delete(x.claimed, orderID)
		close(done)
	}
}

// Get 读取
func (x *ConditionalIndex) Get(orderID string) (*domain.Order, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	o, ok := x.orders[orderID]
	return o.Clone(), ok
}

// Snapshot 当前全部条件单，按创建时间升序
func (x *ConditionalIndex) Snapshot() []*domain.Order {
	x.mu.RLock()
	out := make([]*domain.Order, 0, len(x.orders))
	for _, o := range x.orders {
		out = append(out, o.Clone())
	}
	x.mu.RUnlock()
	sortOrders(out)
	return out
}

// Len 条件单数量
func (x *ConditionalIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.orders)
}

// TriggerEvaluator 用标记价格检验条件单并在满足时转为市价成交
type TriggerEvaluator struct {
	index  *ConditionalIndex
	engine *ExecutionEngine
	logger *slog.Logger
}

// TryTrigger 当且仅当本次调用使订单成交时返回 true
// 未满足条件、价格异常或执行失败时订单留在索引中等待下一轮。
func (t *TriggerEvaluator) TryTrigger(ctx context.Context, orderID string, mark decimal.Decimal) (bool, error) {
	pending, ok := t.index.Get(orderID)
	if !ok || !domain.ShouldTrigger(pending, mark) {
		return false, nil
	}
	pending, ok = t.index.Claim(orderID)
	if !ok {
		// 已被撤单或其他触发者认领
		return false, nil
	}

	ref, ok := pending.ReferencePrice()
	if !ok {
		ref = mark
	}
	price, err := t.engine.resolvePrice(ctx, pending.Symbol, &ref)
	if err != nil {
		t.index.Release(orderID)
		t.logger.DebugContext(ctx, "conditional order skipped on abnormal price", "order_id", orderID, "error", err)
		return false, nil
	}

	order := pending.Clone()
	order.Type = domain.OrderTypeMarket
	filled, err := t.engine.fill(ctx, order, price)
	if err != nil {
		t.index.Release(orderID)
		return false, err
	}
	// 未成交说明订单已在临界区内被撤销，同样不再挂单
	t.index.Settle(orderID)
	if filled {
		t.logger.InfoContext(ctx, "conditional order triggered",
			"order_id", orderID,
			"origin_type", order.OriginType,
			"mark", mark.String(),
			"price", order.AveragePrice.String(),
		)
	}
	return filled, nil
}

// sortOrders 按创建时间升序，时间相同按 ID
func sortOrders(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
