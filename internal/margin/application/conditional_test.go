package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
)

func placeConditional(t *testing.T, f *fixture, cmd CreateOrderCommand) *domain.Order {
	t.Helper()
	if cmd.UserID == "" {
		cmd.UserID = "u1"
	}
	o, err := f.svc.CreateOrder(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, o.Status, o.Notes)
	return o
}

func TestTryTriggerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := placeConditional(t, f, CreateOrderCommand{
		Symbol: "SOL", Side: "BUY", Type: "LIMIT", Quantity: d("2"), Leverage: 5, LimitPrice: dp("90"),
	})
	trigger := f.svc.Trigger()

	for i := 0; i < 3; i++ {
		filled, err := trigger.TryTrigger(ctx, o.OrderID, d("95"))
		require.NoError(t, err)
		assert.False(t, filled)
	}
	got, err := f.svc.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.Len(t, f.svc.GetOpenConditionalOrders(ctx), 1)
	assert.Empty(t, f.positions(t, "u1"))

	filled, err := trigger.TryTrigger(ctx, o.OrderID, d("89"))
	require.NoError(t, err)
	assert.True(t, filled)

	filled, err = trigger.TryTrigger(ctx, o.OrderID, d("89"))
	require.NoError(t, err)
	assert.False(t, filled, "a filled order never fills twice")

	got, err = f.svc.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, domain.OrderTypeMarket, got.Type)
	assert.Equal(t, domain.OrderTypeLimit, got.OriginType)
	assert.True(t, got.AveragePrice.Equal(d("90")), "limit order fills at its own price: %s", got.AveragePrice)
	// 2 * 90 * 0.02%
	assert.True(t, got.Fee.Equal(d("0.036")), "maker fee %s", got.Fee)

	assert.Len(t, f.positions(t, "u1"), 1)
	assert.Empty(t, f.svc.GetOpenConditionalOrders(ctx))
	assert.Equal(t, 1, f.pub.count(domain.EventOrderFilled))
}

func TestStopLimitNeedsBothConditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := placeConditional(t, f, CreateOrderCommand{
		Symbol: "SOL", Side: "BUY", Type: "STOP_LIMIT", Quantity: d("1"), Leverage: 1,
		StopPrice: dp("105"), LimitPrice: dp("106"),
	})
	trigger := f.svc.Trigger()

	filled, err := trigger.TryTrigger(ctx, o.OrderID, d("104"))
	require.NoError(t, err)
	assert.False(t, filled, "stop not reached")

	filled, err = trigger.TryTrigger(ctx, o.OrderID, d("107"))
	require.NoError(t, err)
	assert.False(t, filled, "stop reached but limit not satisfied")

	filled, err = trigger.TryTrigger(ctx, o.OrderID, d("105.5"))
	require.NoError(t, err)
	assert.True(t, filled)
}

func TestStopMarketSellFillsAtStopPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := placeConditional(t, f, CreateOrderCommand{
		Symbol: "SOL", Side: "SELL", Type: "STOP_MARKET", Quantity: d("1"), Leverage: 1, StopPrice: dp("95"),
	})

	filled, err := f.svc.Trigger().TryTrigger(ctx, o.OrderID, d("96"))
	require.NoError(t, err)
	assert.False(t, filled)

	filled, err = f.svc.Trigger().TryTrigger(ctx, o.OrderID, d("94"))
	require.NoError(t, err)
	require.True(t, filled)

	got, err := f.svc.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, got.AveragePrice.Equal(d("95")))
	// STOP_MARKET 按 taker 收费: 1 * 95 * 0.04%
	assert.True(t, got.Fee.Equal(d("0.038")), "taker fee %s", got.Fee)
}

func TestTriggeredReduceOnlyReclampsAndCancelsWhenFlat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	f.market(t, "u1", "SOL", "BUY", "3", 10, false)

	tp := placeConditional(t, f, CreateOrderCommand{
		Symbol: "SOL", Side: "SELL", Type: "LIMIT", Quantity: d("3"), Leverage: 1, LimitPrice: dp("120"), ReduceOnly: true,
	})
	sl := placeConditional(t, f, CreateOrderCommand{
		Symbol: "SOL", Side: "SELL", Type: "STOP_MARKET", Quantity: d("3"), Leverage: 1, StopPrice: dp("90"), ReduceOnly: true,
	})

	// 持仓在挂单后缩小
	f.market(t, "u1", "SOL", "SELL", "1", 1, true)

	filled, err := f.svc.Trigger().TryTrigger(ctx, tp.OrderID, d("121"))
	require.NoError(t, err)
	require.True(t, filled)
	got, err := f.svc.GetOrder(ctx, tp.OrderID)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(d("2")), "re-clamped to open size: %s", got.Quantity)
	assert.Empty(t, f.positions(t, "u1"))

	filled, err = f.svc.Trigger().TryTrigger(ctx, sl.OrderID, d("89"))
	require.NoError(t, err)
	assert.False(t, filled)
	got, err = f.svc.GetOrder(ctx, sl.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Equal(t, domain.ReasonNoPositionToReduce, got.Notes)
	assert.Empty(t, f.svc.GetOpenConditionalOrders(ctx))
}

func TestConcurrentTriggerAndCancelResolveOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		o := placeConditional(t, f, CreateOrderCommand{
			Symbol: "SOL", Side: "BUY", Type: "LIMIT", Quantity: d("1"), Leverage: 1, LimitPrice: dp("90"),
		})

		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if ok, _ := f.svc.Trigger().TryTrigger(ctx, o.OrderID, d("80")); ok {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if ok, _ := f.svc.Trigger().TryTrigger(ctx, o.OrderID, d("85")); ok {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if ok, _ := f.svc.CancelOrder(ctx, o.OrderID, "u1"); ok {
				wins.Add(1)
			}
		}()
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load(), "round %d", round)
		got, err := f.svc.GetOrder(ctx, o.OrderID)
		require.NoError(t, err)
		assert.NotEqual(t, domain.OrderStatusPending, got.Status)
	}
	assert.Empty(t, f.svc.GetOpenConditionalOrders(ctx))
}

func TestCancelDuringSkippedTriggerWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	f.market(t, "u1", "SOL", "BUY", "1", 10, false)

	// 平仓单不校验参考价区间，触发时参考价异常需要重新取价
	tp := placeConditional(t, f, CreateOrderCommand{
		Symbol: "SOL", Side: "SELL", Type: "LIMIT", Quantity: d("1"), Leverage: 1, LimitPrice: dp("5000000"), ReduceOnly: true,
	})
	f.oracle.unset("SOLUSDT")
	f.oracle.slow(100 * time.Millisecond)
	before := f.oracle.callCount("SOLUSDT")

	triggered := make(chan bool, 1)
	go func() {
		ok, err := f.svc.Trigger().TryTrigger(ctx, tp.OrderID, d("5000000"))
		assert.NoError(t, err)
		triggered <- ok
	}()
	// 触发方已认领并在等待取价
	require.Eventually(t, func() bool { return f.oracle.callCount("SOLUSDT") > before }, time.Second, time.Millisecond)

	cancelled, err := f.svc.CancelOrder(ctx, tp.OrderID, "u1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.False(t, <-triggered)

	got, err := f.svc.GetOrder(ctx, tp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Empty(t, f.svc.GetOpenConditionalOrders(ctx))

	// 价格恢复后不会再成交
	f.oracle.slow(0)
	f.oracle.set("SOLUSDT", "100")
	filled, err := f.svc.Trigger().TryTrigger(ctx, tp.OrderID, d("5000000"))
	require.NoError(t, err)
	assert.False(t, filled)
	require.Len(t, f.positions(t, "u1"), 1)
}

func TestConditionalIndexClaim(t *testing.T) {
	idx := NewConditionalIndex()
	idx.Add(&domain.Order{OrderID: "A", CreatedAt: testTime()})

	claimed, ok := idx.Claim("A")
	require.True(t, ok)
	assert.Equal(t, "A", claimed.OrderID)
	_, ok = idx.Claim("A")
	assert.False(t, ok, "second claim fails")
	assert.Equal(t, 1, idx.Len(), "claimed orders stay listed")

	taken, wait := idx.Take("A")
	assert.False(t, taken)
	require.NotNil(t, wait)

	idx.Release("A")
	select {
	case <-wait:
	default:
		t.Fatal("release must wake waiters")
	}
	taken, wait = idx.Take("A")
	assert.True(t, taken)
	assert.Nil(t, wait)

	idx.Add(&domain.Order{OrderID: "B", CreatedAt: testTime()})
	_, ok = idx.Claim("B")
	require.True(t, ok)
	idx.Settle("B")
	assert.Zero(t, idx.Len())
	taken, wait = idx.Take("B")
	assert.False(t, taken)
	assert.Nil(t, wait)
}

func TestConditionalIndexSnapshotOrder(t *testing.T) {
	idx := NewConditionalIndex()
	a := &domain.Order{OrderID: "B", CreatedAt: testTime()}
	b := &domain.Order{OrderID: "A", CreatedAt: testTime()}
	c := &domain.Order{OrderID: "C", CreatedAt: testTime().Add(-1)}
	idx.Add(a)
	idx.Add(b)
	idx.Add(c)

	snap := idx.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "C", snap[0].OrderID)
	assert.Equal(t, "A", snap[1].OrderID)
	assert.Equal(t, "B", snap[2].OrderID)

	taken, _ := idx.Take("A")
	assert.True(t, taken)
	taken, _ = idx.Take("A")
	assert.False(t, taken)
	assert.Equal(t, 2, idx.Len())

	// 快照与索引互不影响
	snap[0].Notes = "mutated"
	got, ok := idx.Get("C")
	require.True(t, ok)
	assert.Empty(t, got.Notes)
}
