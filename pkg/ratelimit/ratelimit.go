// Package ratelimit 下单限流：按下单主体（用户或客户端 IP）在 Redis 上做 GCRA 计数，多个实例共享同一份额度
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const orderKeyPrefix = "ratelimit:orders:"

// ErrEmptySubject 没有可用于计数的下单主体
var ErrEmptySubject = errors.New("rate limit subject is empty")

// Quota 每个下单主体的额度
type Quota struct {
	Rate   int
	Period time.Duration
	Burst  int
}

// PerSecond 每秒 rate 笔，rate 至少为 1，burst 不小于 rate
func PerSecond(rate, burst int) Quota {
	if rate < 1 {
		rate = 1
	}
	if burst < rate {
		burst = rate
	}
	return Quota{Rate: rate, Period: time.Second, Burst: burst}
}

// Decision 一次下单请求的限流结论
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// OrderLimiter 按下单主体限流
type OrderLimiter interface {
	AllowOrder(ctx context.Context, subject string) (*Decision, error)
}

// OrderKey 下单主体在 Redis 中的计数键
func OrderKey(subject string) string {
	return orderKeyPrefix + subject
}

// RedisOrderLimiter 基于 redis_rate 的下单限流器
type RedisOrderLimiter struct {
	limiter *redis_rate.Limiter
	quota   Quota
}

// NewRedisOrderLimiter 创建限流器，所有主体共用同一额度
func NewRedisOrderLimiter(rdb *redis.Client, quota Quota) *RedisOrderLimiter {
	return &RedisOrderLimiter{limiter: redis_rate.NewLimiter(rdb), quota: quota}
}

// AllowOrder 为 subject 消耗一笔额度
func (r *RedisOrderLimiter) AllowOrder(ctx context.Context, subject string) (*Decision, error) {
	if subject == "" {
		return nil, ErrEmptySubject
	}
	res, err := r.limiter.Allow(ctx, OrderKey(subject), redis_rate.Limit{
		Rate:   r.quota.Rate,
		Period: r.quota.Period,
		Burst:  r.quota.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("order rate limit check for %s failed: %w", subject, err)
	}
	return &Decision{
		Allowed:    res.Allowed > 0,
		Limit:      r.quota.Burst,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}
