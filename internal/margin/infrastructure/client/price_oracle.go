// Package client 提供标记价格来源的适配器
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/cache"
	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/mq"
)

// MarkPriceKeyPrefix Redis 中标记价格快照的 key 前缀
const MarkPriceKeyPrefix = "mark_price:"

// MarkPriceSnapshot 行情侧发布的标记价格
type MarkPriceSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// fresh ttl <= 0 时不检查时效
func (s MarkPriceSnapshot) fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return !s.UpdatedAt.IsZero() && now.Sub(s.UpdatedAt) <= ttl
}

// RedisPriceOracle 从 Redis 读取行情服务写入的标记价格快照
type RedisPriceOracle struct {
	cache *cache.RedisCache
	ttl   time.Duration
	now   func() time.Time
}

// NewRedisPriceOracle 创建 Redis 价格源，超过 ttl 未更新的快照视为不可用
func NewRedisPriceOracle(c *cache.RedisCache, ttl time.Duration) *RedisPriceOracle {
	return &RedisPriceOracle{cache: c, ttl: ttl, now: time.Now}
}

// GetMarkPrice 实现 domain.PriceOracle
func (o *RedisPriceOracle) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var snap MarkPriceSnapshot
	found, err := o.cache.GetJSON(ctx, MarkPriceKeyPrefix+symbol, &snap)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, symbol, err)
	}
	if !found {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, symbol)
	}
	if !snap.fresh(o.now(), o.ttl) {
		return decimal.Zero, fmt.Errorf("%w: %s is stale since %s", domain.ErrPriceUnavailable, symbol, snap.UpdatedAt.Format(time.RFC3339))
	}
	return snap.Price, nil
}

// KafkaPriceFeed 消费行情 topic，在内存中保存每个交易对的最新标记价格
// 配置了 mirror 时同时写入 Redis，供其他实例的 RedisPriceOracle 读取。
type KafkaPriceFeed struct {
	consumer *mq.KafkaConsumer
	mirror   *cache.RedisCache
	ttl      time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	prices map[string]MarkPriceSnapshot
}

// NewKafkaPriceFeed 创建 Kafka 价格源，consumer 可为空（仅通过 Apply 写入）
func NewKafkaPriceFeed(consumer *mq.KafkaConsumer, mirror *cache.RedisCache, ttl time.Duration) *KafkaPriceFeed {
	return &KafkaPriceFeed{
		consumer: consumer,
		mirror:   mirror,
		ttl:      ttl,
		now:      time.Now,
		prices:   make(map[string]MarkPriceSnapshot),
	}
}

// Run 持续消费直到 ctx 取消
func (f *KafkaPriceFeed) Run(ctx context.Context) error {
	if f.consumer == nil {
		<-ctx.Done()
		return nil
	}
	logger.Info(ctx, "mark price feed started")
	for {
		msg, err := f.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn(ctx, "failed to read mark price message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var snap MarkPriceSnapshot
		if err := msg.UnmarshalPayload(&snap); err != nil {
			logger.Warn(ctx, "discarding malformed mark price", "offset", msg.Offset, "error", err)
			continue
		}
		if snap.Symbol == "" {
			snap.Symbol = msg.Key
		}
		if snap.UpdatedAt.IsZero() {
			snap.UpdatedAt = msg.Time
		}
		f.Apply(ctx, snap)
	}
}

// Apply 记录一条价格，较旧的价格不会覆盖较新的
func (f *KafkaPriceFeed) Apply(ctx context.Context, snap MarkPriceSnapshot) bool {
	snap.Symbol = strings.ToUpper(snap.Symbol)
	if snap.Symbol == "" || !snap.Price.IsPositive() {
		return false
	}
	f.mu.Lock()
	if cur, ok := f.prices[snap.Symbol]; ok && cur.UpdatedAt.After(snap.UpdatedAt) {
		f.mu.Unlock()
		return false
	}
	f.prices[snap.Symbol] = snap
	f.mu.Unlock()

	if f.mirror != nil {
		if err := f.mirror.SetJSON(ctx, MarkPriceKeyPrefix+snap.Symbol, snap, 0); err != nil {
			logger.Warn(ctx, "failed to mirror mark price", "symbol", snap.Symbol, "error", err)
		}
	}
	return true
}

// GetMarkPrice 实现 domain.PriceOracle
func (f *KafkaPriceFeed) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	snap, ok := f.prices[symbol]
	f.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, symbol)
	}
	if !snap.fresh(f.now(), f.ttl) {
		return decimal.Zero, fmt.Errorf("%w: %s is stale", domain.ErrPriceUnavailable, symbol)
	}
	return snap.Price, nil
}

// StaticPriceOracle 固定价格，用于开发环境与演示
type StaticPriceOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPriceOracle 从配置创建，交易对统一为大写
func NewStaticPriceOracle(prices map[string]float64) *StaticPriceOracle {
	o := &StaticPriceOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for symbol, p := range prices {
		o.prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(p)
	}
	return o
}

// Set 更新价格
func (o *StaticPriceOracle) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

// GetMarkPrice 实现 domain.PriceOracle
func (o *StaticPriceOracle) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, symbol)
	}
	return p, nil
}
