package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// scanConcurrency 单轮持仓扫描并行处理的用户数
const scanConcurrency = 8

// RiskLoop 周期性驱动条件单触发，并对持仓做止盈、止损与强平检查
type RiskLoop struct {
	interval time.Duration
	index    *ConditionalIndex
	trigger  *TriggerEvaluator
	ledger   *userLedger
	oracle   domain.PriceOracle
	// submit 提交合成的平仓单，与用户下单走同一路径
	submit  func(ctx context.Context, order *domain.Order) (*domain.Order, error)
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closers  sync.WaitGroup
	onCycle  func()
}

// riskHit 一次风控触发
type riskHit struct {
	position *domain.Position
	trigger  domain.RiskTrigger
	mark     decimal.Decimal
}

// OnCycle 每轮结束后回调，用于健康检查
func (r *RiskLoop) OnCycle(fn func()) {
	r.onCycle = fn
}

// Start 按固定间隔运行直到 ctx 取消，返回前等待在途的平仓单
func (r *RiskLoop) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "risk loop started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.closers.Wait()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "risk loop stopped")
			return nil
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// Wait 等待在途的平仓单完成
func (r *RiskLoop) Wait() {
	r.closers.Wait()
}

// RunCycle 执行一轮检查；任何错误或 panic 都只记录日志
func (r *RiskLoop) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "risk loop iteration panicked", "panic", rec)
		}
		r.metrics.RiskCycleDuration.Observe(time.Since(start).Seconds())
		if r.onCycle != nil {
			r.onCycle()
		}
	}()

	prices := newPriceMemo(r.oracle, r.logger)
	r.evaluateConditional(ctx, prices)
	if err := r.scanPositions(ctx, prices); err != nil {
		r.logger.ErrorContext(ctx, "risk loop iteration failed", "error", err)
	}
}

func (r *RiskLoop) evaluateConditional(ctx context.Context, prices *priceMemo) {
	pending := r.index.Snapshot()
	r.metrics.ConditionalOrders.Set(float64(len(pending)))
	for _, o := range pending {
		if ctx.Err() != nil {
			return
		}
		mark, ok := prices.get(ctx, o.Symbol)
		if !ok {
			continue
		}
		if _, err := r.trigger.TryTrigger(ctx, o.OrderID, mark); err != nil {
			r.logger.WarnContext(ctx, "conditional trigger failed", "order_id", o.OrderID, "error", err)
		}
	}
}

// scanPositions 按用户分组重估持仓并检查风控条件
func (r *RiskLoop) scanPositions(ctx context.Context, prices *priceMemo) error {
	positions := r.ledger.cache.AllPositions()
	r.metrics.PositionsOpen.Set(float64(len(positions)))

	byUser := make(map[string][]*domain.Position)
	for _, p := range positions {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for userID, ps := range byUser {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			marks := make(map[string]decimal.Decimal)
			for _, p := range ps {
				if mark, ok := prices.get(gctx, p.Symbol); ok {
					marks[p.Symbol] = mark
				}
			}
			if len(marks) == 0 {
				return nil
			}
			hits, err := r.markToMarket(gctx, userID, marks)
			if err != nil {
				r.logger.WarnContext(gctx, "mark to market failed", "user_id", userID, "error", err)
				return nil
			}
			for _, hit := range hits {
				r.dispatchClose(ctx, hit)
			}
			return nil
		})
	}
	return g.Wait()
}

// markToMarket 在用户临界区内刷新标记价格与未实现盈亏（只更新内存），并收集触发的持仓
func (r *RiskLoop) markToMarket(ctx context.Context, userID string, marks map[string]decimal.Decimal) ([]riskHit, error) {
	var hits []riskHit
	err := r.ledger.mutate(ctx, userID, func(ws *workingSet) error {
		ws.persist = false
		for _, p := range ws.positions {
			mark, ok := marks[p.Symbol]
			if !ok {
				continue
			}
			p.MarkTo(mark, ws.now)
			if trig := p.EvaluateRisk(mark); trig != domain.RiskTriggerNone {
				hits = append(hits, riskHit{position: p.Clone(), trigger: trig, mark: mark})
			}
		}
		ws.recomputeUnrealized()
		return nil
	})
	return hits, err
}

// dispatchClose 异步提交合成平仓单；同一持仓在平仓完成前不会重复触发
func (r *RiskLoop) dispatchClose(ctx context.Context, hit riskHit) {
	id := hit.position.PositionID
	r.mu.Lock()
	if _, busy := r.inflight[id]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[id] = struct{}{}
	r.mu.Unlock()

	r.metrics.RiskTriggersTotal.WithLabelValues(string(hit.trigger)).Inc()
	r.logger.WarnContext(ctx, "position risk triggered",
		"kind", hit.trigger,
		"position_id", id,
		"user_id", hit.position.UserID,
		"symbol", hit.position.Symbol,
		"mark", hit.mark.String(),
	)
	r.ledger.publish(ctx, []domain.Event{{
		Type:       domain.EventPositionRiskTriggered,
		UserID:     hit.position.UserID,
		OccurredAt: r.ledger.now(),
		Payload: domain.PositionEvent{
			PositionID: id,
			Symbol:     hit.position.Symbol,
			Side:       hit.position.Side,
			Size:       hit.position.Size,
			Price:      hit.mark,
			Trigger:    hit.trigger,
		},
	}})

	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.ErrorContext(ctx, "risk close panicked", "position_id", id, "panic", rec)
			}
		}()

		// 平仓一旦开始不受 ctx 取消影响
		closeCtx := context.WithoutCancel(ctx)
		order := closingOrder(hit.position, fmt.Sprintf("risk:%s", hit.trigger))
		placed, err := r.submit(closeCtx, order)
		if err != nil {
			r.logger.ErrorContext(closeCtx, "risk close failed", "position_id", id, "error", err)
			return
		}
		if placed.Status != domain.OrderStatusFilled {
			r.logger.WarnContext(closeCtx, "risk close not filled",
				"position_id", id,
				"order_id", placed.OrderID,
				"status", placed.Status,
				"notes", placed.Notes,
			)
		}
	}()
}

// closingOrder 平掉整笔持仓的 reduce-only 市价单
func closingOrder(p *domain.Position, notes string) *domain.Order {
	return &domain.Order{
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Side:             p.Side.Opposite(),
		Type:             domain.OrderTypeMarket,
		Quantity:         p.Size,
		Leverage:         p.Leverage,
		ReduceOnly:       true,
		TargetPositionID: p.PositionID,
		Notes:            notes,
	}
}

// priceMemo 单轮内缓存标记价格，失败的查询本轮不再重试
type priceMemo struct {
	oracle domain.PriceOracle
	logger *slog.Logger
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	failed map[string]bool
}

func newPriceMemo(oracle domain.PriceOracle, logger *slog.Logger) *priceMemo {
	return &priceMemo{
		oracle: oracle,
		logger: logger,
		prices: make(map[string]decimal.Decimal),
		failed: make(map[string]bool),
	}
}

func (m *priceMemo) get(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prices[symbol]; ok {
		return p, true
	}
	if m.failed[symbol] {
		return decimal.Zero, false
	}
	p, err := m.oracle.GetMarkPrice(ctx, symbol)
	if err != nil || !p.IsPositive() {
		m.failed[symbol] = true
		m.logger.DebugContext(ctx, "skip symbol without mark price", "symbol", symbol, "error", err)
		return decimal.Zero, false
	}
	m.prices[symbol] = p
	return p, true
}
