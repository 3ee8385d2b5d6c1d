package application

import (
	"sort"
	"sync"

	"github.com/wyfcoding/margintrading/internal/margin/domain"
)

// StateCache 交易核心的进程内缓存：订单、持仓、资金
// 条目按不可变快照存放，修改方式为拷贝、修改、整体替换；读取方拿到的都是副本。
// 用户维度的数据首次访问时从账本存储装载，之后由核心写穿维护，显式查询时可刷新。
type StateCache struct {
	mu        sync.RWMutex
	orders    map[string]*domain.Order
	positions map[string]map[string]*domain.Position
	balances  map[string]*domain.UserBalance
	versions  map[string]uint64
	loaded    map[string]bool
}

// NewStateCache 创建缓存
func NewStateCache() *StateCache {
	return &StateCache{
		orders:    make(map[string]*domain.Order),
		positions: make(map[string]map[string]*domain.Position),
		balances:  make(map[string]*domain.UserBalance),
		versions:  make(map[string]uint64),
		loaded:    make(map[string]bool),
	}
}

// Loaded 用户数据是否已装载
func (c *StateCache) Loaded(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded[userID]
}

// Version 用户数据版本，每次提交变更递增
func (c *StateCache) Version(userID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[userID]
}

// Install 用存储中的数据替换用户缓存；版本已变化说明期间有新的变更，放弃替换
func (c *StateCache) Install(userID string, balance *domain.UserBalance, positions []*domain.Position, expectVersion uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[userID] != expectVersion {
		return false
	}
	c.balances[userID] = balance.Clone()
	c.setPositionsLocked(userID, positions)
	c.loaded[userID] = true
	return true
}

// Commit 提交一次用户变更
func (c *StateCache) Commit(userID string, balance *domain.UserBalance, positions []*domain.Position, orders []*domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[userID] = balance.Clone()
	c.setPositionsLocked(userID, positions)
	for _, o := range orders {
		c.orders[o.OrderID] = o.Clone()
	}
	c.versions[userID]++
}

func (c *StateCache) setPositionsLocked(userID string, positions []*domain.Position) {
	m := make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		m[p.PositionID] = p.Clone()
	}
	c.positions[userID] = m
}

// MarkPersisted 标记持仓已落库
func (c *StateCache) MarkPersisted(userID string, positionIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range positionIDs {
		if p, ok := c.positions[userID][id]; ok && !p.Persisted {
			cp := p.Clone()
			cp.Persisted = true
			c.positions[userID][id] = cp
		}
	}
}

// PutOrder 写入订单快照
func (c *StateCache) PutOrder(o *domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.OrderID] = o.Clone()
}

// Order 读取订单
func (c *StateCache) Order(orderID string) (*domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	return o.Clone(), ok
}

// OrdersByUser 用户的缓存订单
func (c *StateCache) OrdersByUser(userID string) []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, o := range c.orders {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Balance 读取资金
func (c *StateCache) Balance(userID string) (*domain.UserBalance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.balances[userID]
	return b.Clone(), ok
}

// Positions 用户全部持仓，按开仓时间升序
func (c *StateCache) Positions(userID string) []*domain.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedClones(c.positions[userID])
}

// AllPositions 全部已装载用户的持仓
func (c *StateCache) AllPositions() []*domain.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Position, 0)
	for _, m := range c.positions {
		out = append(out, sortedClones(m)...)
	}
	sortPositions(out)
	return out
}

func sortedClones(m map[string]*domain.Position) []*domain.Position {
	out := make([]*domain.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p.Clone())
	}
	sortPositions(out)
	return out
}

// sortPositions 按开仓时间升序（FIFO），时间相同按 ID
func sortPositions(ps []*domain.Position) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].PositionID < ps[j].PositionID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
