package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
)

func TestMarketOrderOpensPosition(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("ETHUSDT", "2000")

	o := f.market(t, "u1", "eth", "buy", "1", 10, false)
	require.Equal(t, domain.OrderStatusFilled, o.Status, o.Notes)
	assert.Equal(t, "ETHUSDT", o.Symbol)
	assert.True(t, o.AveragePrice.Equal(d("2000")))

	ps := f.positions(t, "u1")
	require.Len(t, ps, 1)
	p := ps[0]
	assert.True(t, p.Margin.Equal(p.Size.Mul(p.EntryPrice).Div(d("10"))), "margin %s", p.Margin)
	assert.True(t, p.Margin.Equal(d("200")))
	require.NotNil(t, p.LiquidationPrice)
	assert.True(t, p.LiquidationPrice.Equal(d("1810")), "liquidation %s", p.LiquidationPrice)

	b := f.balance(t, "u1")
	assert.True(t, b.UsedMargin.Equal(d("200")))
	assert.True(t, b.Balance.Equal(d("99999.2")), "balance %s", b.Balance)
	assert.True(t, b.AvailableBalance.Equal(d("99799.2")), "available %s", b.AvailableBalance)
	assert.Equal(t, 1, f.pub.count(domain.EventPositionOpened))
	assert.Equal(t, 1, f.pub.count(domain.EventOrderFilled))
}

func TestTradingFee(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")

	o := f.market(t, "u1", "SOL", "BUY", "2", 1, false)
	require.Equal(t, domain.OrderStatusFilled, o.Status, o.Notes)
	assert.True(t, o.Fee.Equal(d("0.08")), "fee %s", o.Fee)

	b := f.balance(t, "u1")
	assert.True(t, b.Balance.Equal(d("99999.92")))
	assert.True(t, b.AvailableBalance.Equal(d("99799.92")))

	txs, err := f.svc.GetUserTransactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	fees := 0
	for _, tx := range txs {
		if tx.Type == domain.TransactionTradingFee {
			fees++
			assert.True(t, tx.Amount.Equal(d("-0.08")))
			assert.Equal(t, o.OrderID, tx.Reference)
		}
	}
	assert.Equal(t, 1, fees)
	assert.InDelta(t, 0.08, testutil.ToFloat64(f.metrics.FeesTotal), 1e-9)
}

func TestFeeFallbackWhenPolicyUnavailable(t *testing.T) {
	f := newFixture(t, withFees(fixedFees{err: fmt.Errorf("fee service down")}))
	f.oracle.set("SOLUSDT", "100")

	o := f.market(t, "u1", "SOLUSDT", "BUY", "2", 1, false)
	require.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.Fee.Equal(d("0.08")), "fallback taker fee %s", o.Fee)
}

func TestOutlierPriceRejectedAfterRetry(t *testing.T) {
	f := newFixture(t)
	// 第一次用于下单校验，后两次为执行价与重取
	f.oracle.script("BTCUSDT", "50000", "2000000", "1500000")

	o := f.market(t, "u1", "BTC", "BUY", "0.1", 10, false)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, domain.ReasonAbnormalMarketPrice, o.Notes)
	assert.Equal(t, 3, f.oracle.callCount("BTCUSDT"))

	assert.Empty(t, f.positions(t, "u1"))
	b := f.balance(t, "u1")
	assert.True(t, b.Balance.Equal(d("100000")))
	assert.True(t, b.UsedMargin.IsZero())

	stored, err := f.svc.GetOrder(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
}

func TestOutlierPriceRecoversOnRetry(t *testing.T) {
	f := newFixture(t)
	f.oracle.script("BTCUSDT", "50000", "2000000", "51000")

	o := f.market(t, "u1", "BTCUSDT", "BUY", "0.1", 10, false)
	require.Equal(t, domain.OrderStatusFilled, o.Status, o.Notes)
	assert.True(t, o.AveragePrice.Equal(d("51000")))
}

func TestIndicativePriceOutsideBandRejected(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("BTCUSDT", "5000000")

	o := f.market(t, "u1", "BTCUSDT", "BUY", "0.1", 10, false)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, domain.ReasonInvalidNotional, o.Notes)
}

func TestValidationRejections(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")
	ctx := context.Background()

	cases := []struct {
		name   string
		cmd    CreateOrderCommand
		reason string
	}{
		{"quantity below minimum", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "MARKET", Quantity: d("0.0001"), Leverage: 1}, domain.ReasonQuantityOutOfRange},
		{"quantity above maximum", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "MARKET", Quantity: d("2000000"), Leverage: 1}, domain.ReasonQuantityOutOfRange},
		{"leverage above cap", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "MARKET", Quantity: d("1"), Leverage: 21}, domain.ReasonLeverageExceedsCap},
		{"negative leverage", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "MARKET", Quantity: d("1"), Leverage: -2}, domain.ReasonInvalidLeverage},
		{"limit price too large", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "LIMIT", Quantity: d("1"), Leverage: 1, LimitPrice: dp("2000000000")}, domain.ReasonInvalidLimitPrice},
		{"stop price not positive", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "STOP_MARKET", Quantity: d("1"), Leverage: 1, StopPrice: dp("0")}, domain.ReasonInvalidStopPrice},
		{"limit without price", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "LIMIT", Quantity: d("1"), Leverage: 1}, domain.ReasonMissingLimitPrice},
		{"stop limit without stop", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "STOP_LIMIT", Quantity: d("1"), Leverage: 1, LimitPrice: dp("100")}, domain.ReasonMissingStopPrice},
		{"unknown side", CreateOrderCommand{Symbol: "SOL", Side: "HOLD", Type: "MARKET", Quantity: d("1"), Leverage: 1}, domain.ReasonInvalidSide},
		{"unknown type", CreateOrderCommand{Symbol: "SOL", Side: "BUY", Type: "ICEBERG", Quantity: d("1"), Leverage: 1}, domain.ReasonInvalidType},
		{"reduce without position", CreateOrderCommand{Symbol: "SOL", Side: "SELL", Type: "MARKET", Quantity: d("1"), Leverage: 1, ReduceOnly: true}, domain.ReasonNoPositionToReduce},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cmd.UserID = "u1"
			o, err := f.svc.CreateOrder(ctx, tc.cmd)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusRejected, o.Status)
			assert.Equal(t, tc.reason, o.Notes)

			stored, err := f.store.GetOrder(ctx, o.OrderID)
			require.NoError(t, err)
			require.NotNil(t, stored, "rejected orders are kept for audit")
		})
	}
}

func TestInsufficientMarginRejected(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("ETHUSDT", "2000")

	// 100 * 2000 / 1 = 200000 > 100000
	o := f.market(t, "u1", "ETHUSDT", "BUY", "100", 1, false)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Contains(t, o.Notes, domain.ReasonInsufficientMargin)

	// 名义价值 200000*30 超过单笔上限
	o = f.market(t, "u1", "ETHUSDT", "BUY", "3000", 100, false)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Contains(t, o.Notes, domain.ReasonNotionalTooLarge)
}

func TestReduceOnlyClosesFIFO(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")
	for i := 0; i < 3; i++ {
		require.Equal(t, domain.OrderStatusFilled, f.market(t, "u1", "SOL", "BUY", "1", 10, false).Status)
	}
	opened := f.positions(t, "u1")
	require.Len(t, opened, 3)

	f.oracle.set("SOLUSDT", "110")
	o := f.market(t, "u1", "SOL", "SELL", "2", 1, true)
	require.Equal(t, domain.OrderStatusFilled, o.Status, o.Notes)

	left := f.positions(t, "u1")
	require.Len(t, left, 1)
	assert.Equal(t, opened[2].PositionID, left[0].PositionID, "newest position survives")

	b := f.balance(t, "u1")
	assert.True(t, b.UsedMargin.Equal(d("10")), "used margin %s", b.UsedMargin)

	txs, err := f.svc.GetUserTransactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	realized := 0
	for _, tx := range txs {
		if tx.Type == domain.TransactionRealizedPnL {
			realized++
			assert.True(t, tx.Amount.Equal(d("10")))
		}
	}
	assert.Equal(t, 2, realized)
	assert.Equal(t, 2, f.pub.count(domain.EventPositionClosed))
}

func TestReduceOnlyTargetPositionFirst(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")
	for i := 0; i < 3; i++ {
		f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	}
	opened := f.positions(t, "u1")
	require.Len(t, opened, 3)

	o, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:           "u1",
		Symbol:           "SOL",
		Side:             "SELL",
		Type:             "MARKET",
		Quantity:         d("1.5"),
		Leverage:         1,
		ReduceOnly:       true,
		TargetPositionID: opened[2].PositionID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, o.Status)

	left := f.positions(t, "u1")
	require.Len(t, left, 2)
	assert.Equal(t, opened[0].PositionID, left[0].PositionID)
	assert.True(t, left[0].Size.Equal(d("0.5")), "oldest partially closed: %s", left[0].Size)
	assert.True(t, left[0].Margin.Equal(d("5")))
	assert.Equal(t, opened[1].PositionID, left[1].PositionID)
	assert.True(t, left[1].Size.Equal(d("1")))
}

func TestReduceOnlyClampsToOpenSize(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")
	f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	f.market(t, "u1", "SOL", "BUY", "2", 10, false)

	o := f.market(t, "u1", "SOL", "SELL", "10", 1, true)
	require.Equal(t, domain.OrderStatusFilled, o.Status, o.Notes)
	assert.True(t, o.Quantity.Equal(d("3")), "clamped quantity %s", o.Quantity)
	assert.True(t, o.FilledQuantity.Equal(d("3")))

	assert.Empty(t, f.positions(t, "u1"))
	b := f.balance(t, "u1")
	assert.True(t, b.UsedMargin.IsZero())
	assert.True(t, b.UnrealizedPnL.IsZero())
}

func TestReduceOnlyIgnoresSameSidePositions(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")
	f.market(t, "u1", "SOL", "SELL", "1", 10, false)

	o := f.market(t, "u1", "SOL", "SELL", "1", 1, true)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, domain.ReasonNoPositionToReduce, o.Notes)
}

func TestBalanceAggregateInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	f.oracle.set("ETHUSDT", "2000")

	f.market(t, "u1", "SOL", "BUY", "3", 5, false)
	f.market(t, "u1", "SOL", "SELL", "1", 5, false)
	f.market(t, "u1", "ETH", "BUY", "1", 10, false)
	f.oracle.set("SOLUSDT", "104")
	f.market(t, "u1", "SOL", "SELL", "1", 1, true)
	f.oracle.set("ETHUSDT", "1990")

	f.svc.RiskLoop().RunCycle(ctx)
	f.svc.RiskLoop().Wait()

	ps := f.svc.ledger.cache.Positions("u1")
	require.Len(t, ps, 3)
	b, ok := f.svc.ledger.cache.Balance("u1")
	require.True(t, ok)
	assert.True(t, b.UnrealizedPnL.Equal(sumUnrealized(ps)), "balance %s positions %s", b.UnrealizedPnL, sumUnrealized(ps))
	// SOL 多 2@100 -> +8, SOL 空 1@100 -> -4, ETH 多 1@2000 -> -10
	assert.True(t, b.UnrealizedPnL.Equal(d("-6")), "unrealized %s", b.UnrealizedPnL)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")

	o, err := f.svc.CreateOrder(ctx, CreateOrderCommand{
		UserID: "u1", Symbol: "SOL", Side: "BUY", Type: "LIMIT", Quantity: d("1"), Leverage: 2, LimitPrice: dp("90"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Len(t, f.svc.GetOpenConditionalOrders(ctx), 1)

	ok, err := f.svc.CancelOrder(ctx, o.OrderID, "intruder")
	require.NoError(t, err)
	assert.False(t, ok, "only the owner may cancel")

	ok, err = f.svc.CancelOrder(ctx, o.OrderID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.svc.GetOpenConditionalOrders(ctx))

	got, err := f.svc.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	ok, err = f.svc.CancelOrder(ctx, o.OrderID, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "cancelled order cannot be cancelled again")

	filled := f.market(t, "u1", "SOL", "BUY", "1", 1, false)
	ok, err = f.svc.CancelOrder(ctx, filled.OrderID, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "filled order cannot be cancelled")
}

func TestGetUserOrdersMergesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")

	old := &domain.Order{OrderID: "ORD-OLD", UserID: "u1", Symbol: "SOLUSDT", Status: domain.OrderStatusFilled}
	require.NoError(t, f.store.SaveOrder(ctx, old))
	placed := f.market(t, "u1", "SOL", "BUY", "1", 1, false)

	orders, err := f.svc.GetUserOrders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ORD-OLD", orders[0].OrderID)
	assert.Equal(t, placed.OrderID, orders[1].OrderID)
	assert.Equal(t, domain.OrderStatusFilled, orders[1].Status)

	_, err = f.svc.GetOrder(ctx, "ORD-MISSING")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAdjustUserBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.AdjustUserBalance(ctx, AdjustBalanceCommand{UserID: "u1", Amount: d("250"), Reason: "promo credit"})
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(d("100250")))
	assert.True(t, b.AvailableBalance.Equal(d("100250")))

	_, err = f.svc.AdjustUserBalance(ctx, AdjustBalanceCommand{UserID: "u1", Amount: d("-200000"), Reason: "too much"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.svc.AdjustUserBalance(ctx, AdjustBalanceCommand{UserID: "u1", Amount: d("0")})
	assert.ErrorIs(t, err, domain.ErrInvalidAdjustment)

	txs, err := f.svc.GetUserTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionAdjustment, txs[0].Type)
	assert.True(t, txs[0].BalanceAfter.Equal(d("100250")))
	assert.Equal(t, 1, f.pub.count(domain.EventBalanceAdjusted))
}

func TestUpdatePositionRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	ps := f.positions(t, "u1")

	ok, err := f.svc.UpdatePositionRisk(ctx, UpdatePositionRiskCommand{
		UserID: "u1", Symbol: "sol", PositionID: ps[1].PositionID, TakeProfitPrice: dp("130"), StopLossPrice: dp("95"),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ps = f.positions(t, "u1")
	assert.Nil(t, ps[0].TakeProfitPrice)
	require.NotNil(t, ps[1].TakeProfitPrice)
	assert.True(t, ps[1].TakeProfitPrice.Equal(d("130")))

	// nil 不修改，0 清除
	ok, err = f.svc.UpdatePositionRisk(ctx, UpdatePositionRiskCommand{UserID: "u1", Symbol: "SOL", StopLossPrice: dp("0")})
	require.NoError(t, err)
	assert.True(t, ok)
	ps = f.positions(t, "u1")
	assert.Nil(t, ps[1].StopLossPrice)
	require.NotNil(t, ps[1].TakeProfitPrice)

	ok, err = f.svc.UpdatePositionRisk(ctx, UpdatePositionRiskCommand{UserID: "u1", Symbol: "ETH", TakeProfitPrice: dp("1")})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.UpdatePositionRisk(ctx, UpdatePositionRiskCommand{UserID: "u1", Symbol: "SOL", TakeProfitPrice: dp("-1")})
	assert.ErrorIs(t, err, domain.ErrInvalidRiskPrice)
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	f.market(t, "u1", "SOL", "BUY", "2", 10, false)
	f.market(t, "u1", "SOL", "SELL", "1", 10, false)
	ps := f.positions(t, "u1")
	require.Len(t, ps, 3)

	ok, err := f.svc.ClosePosition(ctx, "u1", "SOL", ps[1].PositionID)
	require.NoError(t, err)
	assert.True(t, ok)
	left := f.positions(t, "u1")
	require.Len(t, left, 2)
	assert.Equal(t, ps[0].PositionID, left[0].PositionID)
	assert.Equal(t, ps[2].PositionID, left[1].PositionID)

	ok, err = f.svc.ClosePosition(ctx, "u1", "SOLUSDT", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.positions(t, "u1"))

	_, err = f.svc.ClosePosition(ctx, "u1", "SOL", "")
	assert.ErrorIs(t, err, domain.ErrNoOpenPosition)
}

func TestGetUserPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")

	_, err := f.svc.GetUserPosition(ctx, "u1", "SOL")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	p, err := f.svc.GetUserPosition(ctx, "u1", "sol/usdt")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", p.Symbol)
	assert.Len(t, f.svc.GetAllPositions(ctx), 1)
}

func TestPersistFailureKeepsInMemoryState(t *testing.T) {
	f := newFixture(t, withStore(failingStore{LedgerStore: newMemoryStore()}))
	f.oracle.set("SOLUSDT", "100")

	o := f.market(t, "u1", "SOL", "BUY", "1", 10, false)
	require.Equal(t, domain.OrderStatusFilled, o.Status)

	ps := f.svc.ledger.cache.Positions("u1")
	require.Len(t, ps, 1)
	assert.False(t, ps[0].Persisted)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PersistFailuresTotal))
}

func TestWarmupRestoresPositionsAndConditionalOrders(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	pos := domain.NewPosition("POS-1", &domain.Order{UserID: "u9", Symbol: "SOLUSDT", Side: domain.OrderSideBuy, Quantity: d("1"), Leverage: 10}, d("100"), d("0.005"), testTime())
	require.NoError(t, store.UpsertPosition(ctx, pos))
	require.NoError(t, store.SaveOrder(ctx, &domain.Order{
		OrderID: "ORD-1", UserID: "u9", Symbol: "SOLUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		OriginType: domain.OrderTypeLimit, Quantity: d("1"), LimitPrice: dp("120"), Leverage: 1, ReduceOnly: true,
		Status: domain.OrderStatusPending, CreatedAt: testTime(),
	}))

	f := newFixture(t, withStore(store))
	require.NoError(t, f.svc.Warmup(ctx))
	assert.Len(t, f.svc.GetAllPositions(ctx), 1)
	require.Len(t, f.svc.GetOpenConditionalOrders(ctx), 1)

	filled, err := f.svc.Trigger().TryTrigger(ctx, "ORD-1", d("121"))
	require.NoError(t, err)
	assert.True(t, filled)
	assert.Empty(t, f.svc.GetAllPositions(ctx))
}

func TestConcurrentFillsKeepMarginConsistent(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("SOLUSDT", "100")

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
				UserID: "u1", Symbol: "SOL", Side: "BUY", Type: "MARKET", Quantity: d("1"), Leverage: 10,
			})
			assert.NoError(t, err)
			assert.Equal(t, domain.OrderStatusFilled, o.Status)
		}()
	}
	wg.Wait()

	ps := f.positions(t, "u1")
	require.Len(t, ps, workers)
	b := f.balance(t, "u1")
	// 每笔保证金 10，手续费 0.04
	assert.True(t, b.UsedMargin.Equal(d("400")), "used margin %s", b.UsedMargin)
	assert.True(t, b.Balance.Equal(d("99998.4")), "balance %s", b.Balance)
	assert.True(t, b.AvailableBalance.Equal(d("99598.4")), "available %s", b.AvailableBalance)
}

func TestConcurrentOpensCannotOverdrawMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	_, err := f.svc.AdjustUserBalance(ctx, AdjustBalanceCommand{UserID: "u1", Amount: d("-99985"), Reason: "leave 15"})
	require.NoError(t, err)
	// 取价变慢后所有请求都能通过受理阶段的余额检查
	f.oracle.slow(20 * time.Millisecond)

	const workers = 5
	orders := make([]*domain.Order, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := f.svc.CreateOrder(ctx, CreateOrderCommand{
				UserID: "u1", Symbol: "SOL", Side: "BUY", Type: "MARKET", Quantity: d("1"), Leverage: 10,
			})
			assert.NoError(t, err)
			orders[i] = o
		}(i)
	}
	wg.Wait()

	filled := 0
	for _, o := range orders {
		require.NotNil(t, o)
		if o.Status == domain.OrderStatusFilled {
			filled++
			continue
		}
		assert.Equal(t, domain.OrderStatusRejected, o.Status)
		assert.Contains(t, o.Notes, domain.ReasonInsufficientMargin)
	}
	// 15 只够一笔保证金 10 加手续费 0.04
	assert.Equal(t, 1, filled)
	require.Len(t, f.positions(t, "u1"), 1)

	b := f.balance(t, "u1")
	assert.True(t, b.AvailableBalance.Equal(d("4.96")), "available %s", b.AvailableBalance)
	assert.True(t, b.UsedMargin.Equal(d("10")), "used margin %s", b.UsedMargin)
	assert.True(t, b.Balance.Equal(d("14.96")), "balance %s", b.Balance)
	assert.Equal(t, workers-1, f.pub.count(domain.EventOrderRejected))
}

func TestClosePositionAboveMaxOrderSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("DOGEUSDT", "0.1")
	require.Equal(t, domain.OrderStatusFilled, f.market(t, "u1", "DOGE", "BUY", "600000", 10, false).Status)
	require.Equal(t, domain.OrderStatusFilled, f.market(t, "u1", "DOGE", "BUY", "600000", 10, false).Status)

	// 合计 1200000 超过单笔上限 1000000，平仓单仍然受理
	ok, err := f.svc.ClosePosition(ctx, "u1", "DOGE", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.positions(t, "u1"))
	assert.True(t, f.balance(t, "u1").UsedMargin.IsZero())
}

func TestReduceOnlyAboveMaxOrderSizeClamps(t *testing.T) {
	f := newFixture(t)
	f.oracle.set("DOGEUSDT", "0.1")
	f.market(t, "u1", "DOGE", "BUY", "600000", 10, false)
	f.market(t, "u1", "DOGE", "BUY", "600000", 10, false)

	o := f.market(t, "u1", "DOGE", "SELL", "5000000", 1, true)
	assert.Equal(t, domain.OrderStatusFilled, o.Status, o.Notes)
	assert.True(t, o.Quantity.Equal(d("1200000")), "quantity %s", o.Quantity)
	assert.Empty(t, f.positions(t, "u1"))

	// 开仓单仍受上限约束
	o = f.market(t, "u1", "DOGE", "BUY", "1000001", 10, false)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, domain.ReasonQuantityOutOfRange, o.Notes)
}

func TestClosePositionReloadsPositionsWrittenElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.set("SOLUSDT", "100")
	f.oracle.set("ETHUSDT", "2000")
	f.market(t, "u1", "SOL", "BUY", "1", 10, false)

	// 另一实例在用户装载后写入的持仓
	pos := domain.NewPosition("POS-remote", &domain.Order{UserID: "u1", Symbol: "ETHUSDT", Side: domain.OrderSideBuy, Quantity: d("1"), Leverage: 10}, d("2000"), d("0.005"), testTime())
	require.NoError(t, f.store.UpsertPosition(ctx, pos))

	ok, err := f.svc.ClosePosition(ctx, "u1", "ETH", "")
	require.NoError(t, err)
	assert.True(t, ok)

	left := f.positions(t, "u1")
	require.Len(t, left, 1)
	assert.Equal(t, "SOLUSDT", left[0].Symbol)
	stored, err := f.store.ListPositionsByUserSymbol(ctx, "u1", "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, stored)
}
