package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/internal/margin/infrastructure/persistence/memory"
	"github.com/wyfcoding/margintrading/pkg/metrics"
	"github.com/wyfcoding/margintrading/pkg/utils"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// scriptedOracle 按交易对返回固定价格；queue 中的价格优先按顺序消费
type scriptedOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	queue  map[string][]decimal.Decimal
	calls  map[string]int
	// delay 每次取价前的等待，用于拉开并发请求的时间窗
	delay atomic.Int64
}

func newScriptedOracle() *scriptedOracle {
	return &scriptedOracle{
		prices: make(map[string]decimal.Decimal),
		queue:  make(map[string][]decimal.Decimal),
		calls:  make(map[string]int),
	}
}

func (o *scriptedOracle) set(symbol, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = d(price)
}

func (o *scriptedOracle) unset(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, symbol)
}

func (o *scriptedOracle) script(symbol string, prices ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range prices {
		o.queue[symbol] = append(o.queue[symbol], d(p))
	}
}

func (o *scriptedOracle) callCount(symbol string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[symbol]
}

func (o *scriptedOracle) slow(d time.Duration) {
	o.delay.Store(int64(d))
}

func (o *scriptedOracle) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.Lock()
	o.calls[symbol]++
	o.mu.Unlock()
	if wait := time.Duration(o.delay.Load()); wait > 0 {
		time.Sleep(wait)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if q := o.queue[symbol]; len(q) > 0 {
		o.queue[symbol] = q[1:]
		return q[0], nil
	}
	if p, ok := o.prices[symbol]; ok {
		return p, nil
	}
	return decimal.Zero, domain.ErrPriceUnavailable
}

type fixedFees struct {
	cfg *domain.FeeConfig
	err error
}

func (f fixedFees) GetActiveFeeConfig(context.Context) (*domain.FeeConfig, error) {
	return f.cfg, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// failingStore 持仓写入总是失败
type failingStore struct {
	domain.LedgerStore
}

func (failingStore) UpsertPosition(context.Context, *domain.Position) error {
	return errors.New("disk full")
}

// stepClock 每次取时间前进 1ms，保证开仓时间严格递增
type stepClock struct {
	base time.Time
	n    atomic.Int64
}

func (c *stepClock) now() time.Time {
	return c.base.Add(time.Duration(c.n.Add(1)) * time.Millisecond)
}

type fixture struct {
	svc     *MarginService
	store   domain.LedgerStore
	oracle  *scriptedOracle
	pub     *recordingPublisher
	metrics *metrics.Metrics
}

type fixtureOption func(*Dependencies)

func withStore(store domain.LedgerStore) fixtureOption {
	return func(deps *Dependencies) { deps.Store = store }
}

func withFees(fees domain.FeePolicyProvider) fixtureOption {
	return func(deps *Dependencies) { deps.Fees = fees }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	oracle := newScriptedOracle()
	pub := &recordingPublisher{}
	m := metrics.New("margin_test")
	clock := &stepClock{base: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	deps := Dependencies{
		Store:     memory.NewLedgerStore(),
		Oracle:    oracle,
		Fees:      fixedFees{cfg: &domain.FeeConfig{MakerFeePercent: d("0.02"), TakerFeePercent: d("0.04")}},
		Publisher: pub,
		Metrics:   m,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		IDs:       utils.NewSnowflakeID(7),
		Rules:     domain.DefaultTradingRules(),
		FallbackFees: domain.FeeConfig{
			MakerFeePercent: d("0.02"),
			TakerFeePercent: d("0.04"),
		},
		InitialBalance: d("100000"),
		RiskInterval:   10 * time.Millisecond,
		Now:            clock.now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{
		svc:     NewMarginService(deps),
		store:   deps.Store,
		oracle:  oracle,
		pub:     pub,
		metrics: m,
	}
}

func (f *fixture) market(t *testing.T, user, symbol, side, qty string, leverage int, reduceOnly bool) *domain.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:     user,
		Symbol:     symbol,
		Side:       side,
		Type:       "MARKET",
		Quantity:   d(qty),
		Leverage:   leverage,
		ReduceOnly: reduceOnly,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) positions(t *testing.T, user string) []*domain.Position {
	t.Helper()
	ps, err := f.svc.GetUserPositions(context.Background(), user)
	require.NoError(t, err)
	return ps
}

func (f *fixture) balance(t *testing.T, user string) *domain.UserBalance {
	t.Helper()
	b, err := f.svc.GetUserBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func sumUnrealized(ps []*domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

func newMemoryStore() domain.LedgerStore {
	return memory.NewLedgerStore()
}

func testTime() time.Time {
	return time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
}
