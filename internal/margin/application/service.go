// Package application 杠杆交易核心的用例层：下单校验、市价执行、持仓生命周期、条件单与风控循环
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
	"github.com/wyfcoding/margintrading/pkg/utils"
)

// Dependencies 构造 MarginService 所需的协作者与参数
type Dependencies struct {
	Store     domain.LedgerStore
	Oracle    domain.PriceOracle
	Fees      domain.FeePolicyProvider
	Publisher domain.EventPublisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	IDs       *utils.SnowflakeID

	Rules domain.TradingRules
	// 费率服务不可用时的兜底费率
	FallbackFees   domain.FeeConfig
	InitialBalance decimal.Decimal
	RiskInterval   time.Duration
	// 测试中可替换
	Now func() time.Time
}

// MarginService 交易核心对外的门面
type MarginService struct {
	rules     domain.TradingRules
	ledger    *userLedger
	index     *ConditionalIndex
	intake    *OrderIntake
	engine    *ExecutionEngine
	trigger   *TriggerEvaluator
	positions *PositionManager
	risk      *RiskLoop
	ids       *utils.SnowflakeID
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewMarginService 组装交易核心
func NewMarginService(deps Dependencies) *MarginService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IDs == nil {
		deps.IDs = utils.NewSnowflakeID(1)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("margin")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RiskInterval <= 0 {
		deps.RiskInterval = time.Second
	}
	logger := deps.Logger

	ledger := &userLedger{
		store:          deps.Store,
		cache:          NewStateCache(),
		gates:          newUserGates(),
		publisher:      deps.Publisher,
		metrics:        deps.Metrics,
		logger:         logger.With("module", "ledger"),
		initialBalance: deps.InitialBalance,
		now:            deps.Now,
	}
	index := NewConditionalIndex()
	positions := NewPositionManager(deps.IDs, deps.Rules.MaintenanceMarginRate, logger)
	engine := &ExecutionEngine{
		ledger:    ledger,
		positions: positions,
		oracle:    deps.Oracle,
		fees:      deps.Fees,
		fallback:  deps.FallbackFees,
		rules:     deps.Rules,
		ids:       deps.IDs,
		metrics:   deps.Metrics,
		logger:    logger.With("module", "execution"),
	}
	trigger := &TriggerEvaluator{
		index:  index,
		engine: engine,
		logger: logger.With("module", "trigger"),
	}
	intake := &OrderIntake{
		rules:   deps.Rules,
		ledger:  ledger,
		oracle:  deps.Oracle,
		engine:  engine,
		index:   index,
		metrics: deps.Metrics,
		logger:  logger.With("module", "intake"),
	}

	s := &MarginService{
		rules:     deps.Rules,
		ledger:    ledger,
		index:     index,
		intake:    intake,
		engine:    engine,
		trigger:   trigger,
		positions: positions,
		ids:       deps.IDs,
		metrics:   deps.Metrics,
		logger:    logger.With("module", "margin_service"),
	}
	s.risk = &RiskLoop{
		interval: deps.RiskInterval,
		index:    index,
		trigger:  trigger,
		ledger:   ledger,
		oracle:   deps.Oracle,
		submit:   s.submit,
		metrics:  deps.Metrics,
		logger:   logger.With("module", "risk_loop"),
		inflight: make(map[string]struct{}),
	}
	return s
}

// RiskLoop 风控循环
func (s *MarginService) RiskLoop() *RiskLoop {
	return s.risk
}

// Trigger 条件单触发器
func (s *MarginService) Trigger() *TriggerEvaluator {
	return s.trigger
}

// Warmup 启动时装载所有持仓用户的账本，并把挂单中的条件单恢复到索引
func (s *MarginService) Warmup(ctx context.Context) error {
	positions, err := s.ledger.store.ListAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}
	users := make(map[string]struct{})
	for _, p := range positions {
		users[p.UserID] = struct{}{}
	}
	for userID := range users {
		if err := s.ledger.sync(ctx, userID, true); err != nil {
			return err
		}
	}

	pending, err := s.ledger.store.ListPendingConditionalOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conditional orders: %w", err)
	}
	for _, o := range pending {
		s.ledger.cache.PutOrder(o)
		s.index.Add(o)
	}
	s.metrics.ConditionalOrders.Set(float64(s.index.Len()))
	s.logger.InfoContext(ctx, "margin core warmed up", "users", len(users), "positions", len(positions), "conditional_orders", len(pending))
	return nil
}

// CreateOrder 下单，返回的订单可能是 REJECTED
func (s *MarginService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	if cmd.UserID == "" {
		return nil, domain.ErrInvalidUser
	}
	order := &domain.Order{
		UserID:           cmd.UserID,
		Symbol:           cmd.Symbol,
		Side:             domain.OrderSide(strings.ToUpper(cmd.Side)),
		Type:             domain.OrderType(strings.ToUpper(cmd.Type)),
		Quantity:         cmd.Quantity,
		LimitPrice:       cmd.LimitPrice,
		StopPrice:        cmd.StopPrice,
		Leverage:         cmd.Leverage,
		ReduceOnly:       cmd.ReduceOnly,
		TargetPositionID: cmd.TargetPositionID,
	}
	return s.submit(ctx, order)
}

// submit 为订单分配 ID 后交给下单入口，用户订单与风控合成单共用
func (s *MarginService) submit(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	order.OrderID = s.ids.NewID("ORD")
	return s.intake.CreateOrder(ctx, order)
}

// CancelOrder 撤销自己的挂单；订单不存在、不属于调用者或已不是 PENDING 时返回 false
// 订单正在被触发时等待触发结果：触发放弃后撤单生效，成交后撤单返回 false。
func (s *MarginService) CancelOrder(ctx context.Context, orderID, userID string) (bool, error) {
	for {
		pending, ok := s.index.Get(orderID)
		if !ok || pending.UserID != userID {
			return false, nil
		}

		var (
			cancelled *domain.Order
			inflight  <-chan struct{}
		)
		err := s.ledger.mutate(ctx, userID, func(ws *workingSet) error {
			if !pending.CanBeCancelled() {
				return errAbort
			}
			taken, wait := s.index.Take(orderID)
			if !taken {
				inflight = wait
				return errAbort
			}
			pending.Cancel(ws.now)
			ws.saveOrder(pending)
			ws.emit(domain.NewOrderEvent(domain.EventOrderCancelled, pending, ws.now))
			cancelled = pending
			return nil
		})
		if err != nil {
			return false, err
		}
		if inflight != nil {
			// 等待必须在用户锁之外，触发方成交时同样需要这把锁
			select {
			case <-inflight:
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		if cancelled == nil {
			return false, nil
		}
		s.metrics.OrdersTotal.WithLabelValues(string(cancelled.FeeType()), string(cancelled.Status)).Inc()
		s.logger.InfoContext(ctx, "order cancelled", "order_id", orderID, "user_id", userID)
		return true, nil
	}
}

// GetOrder 先查缓存再查存储
func (s *MarginService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if o, ok := s.ledger.cache.Order(orderID); ok {
		return o, nil
	}
	o, err := s.ledger.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	if o == nil {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// GetUserOrders 合并存储历史与缓存，缓存中的版本更新
func (s *MarginService) GetUserOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	stored, err := s.ledger.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for %s: %w", userID, err)
	}
	merged := make(map[string]*domain.Order, len(stored))
	for _, o := range stored {
		merged[o.OrderID] = o
	}
	for _, o := range s.ledger.cache.OrdersByUser(userID) {
		merged[o.OrderID] = o
	}
	out := make([]*domain.Order, 0, len(merged))
	for _, o := range merged {
		out = append(out, o)
	}
	sortOrders(out)
	return out, nil
}

// GetUserPositions 以存储为准刷新缓存后返回
func (s *MarginService) GetUserPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if err := s.ledger.sync(ctx, userID, true); err != nil {
		return nil, err
	}
	return s.ledger.cache.Positions(userID), nil
}

// GetUserPosition 用户在该交易对最早的持仓
func (s *MarginService) GetUserPosition(ctx context.Context, userID, symbol string) (*domain.Position, error) {
	positions, err := s.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	symbol = s.rules.NormalizeSymbol(symbol)
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, domain.ErrPositionNotFound
}

// GetAllPositions 所有已装载用户的持仓
func (s *MarginService) GetAllPositions(_ context.Context) []*domain.Position {
	return s.ledger.cache.AllPositions()
}

// GetOpenConditionalOrders 挂单中的条件单
func (s *MarginService) GetOpenConditionalOrders(_ context.Context) []*domain.Order {
	return s.index.Snapshot()
}

// GetUserBalance 用户资金，未见过的用户按初始额度建账
func (s *MarginService) GetUserBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if err := s.ledger.sync(ctx, userID, false); err != nil {
		return nil, err
	}
	b, ok := s.ledger.cache.Balance(userID)
	if !ok {
		return nil, domain.ErrBalanceNotFound
	}
	return b, nil
}

// AdjustUserBalance 人工调账并记录 ADJUSTMENT 流水
func (s *MarginService) AdjustUserBalance(ctx context.Context, cmd AdjustBalanceCommand) (*domain.UserBalance, error) {
	if cmd.Amount.IsZero() {
		return nil, domain.ErrInvalidAdjustment
	}
	var result *domain.UserBalance
	err := s.ledger.mutate(ctx, cmd.UserID, func(ws *workingSet) error {
		if cmd.Amount.IsNegative() && ws.balance.AvailableBalance.Add(cmd.Amount).IsNegative() {
			return fmt.Errorf("%w: available %s, debit %s", domain.ErrInsufficientFunds, ws.balance.AvailableBalance.String(), cmd.Amount.Neg().String())
		}
		ws.balance.Credit(cmd.Amount)
		ws.balance.UpdatedAt = ws.now
		ws.txs = append(ws.txs, &domain.BalanceTransaction{
			TransactionID: s.ids.NewID("TXN"),
			UserID:        ws.userID,
			Type:          domain.TransactionAdjustment,
			Amount:        cmd.Amount,
			BalanceAfter:  ws.balance.Balance,
			Reason:        cmd.Reason,
			CreatedAt:     ws.now,
		})
		ws.emit(domain.Event{
			Type:       domain.EventBalanceAdjusted,
			UserID:     ws.userID,
			OccurredAt: ws.now,
			Payload: domain.BalanceEvent{
				Amount:       cmd.Amount,
				BalanceAfter: ws.balance.Balance,
				Reason:       cmd.Reason,
			},
		})
		result = ws.balance.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "balance adjusted", "user_id", cmd.UserID, "amount", cmd.Amount.String(), "reason", cmd.Reason)
	return result, nil
}

// GetUserTransactions 用户流水，最新的在前
func (s *MarginService) GetUserTransactions(ctx context.Context, userID string, limit int) ([]*domain.BalanceTransaction, error) {
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	txs, err := s.ledger.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s: %w", userID, err)
	}
	return txs, nil
}

// UpdatePositionRisk 设置止盈止损；不指定 PositionID 时作用于该交易对的全部持仓
// 没有匹配的持仓时返回 false。
func (s *MarginService) UpdatePositionRisk(ctx context.Context, cmd UpdatePositionRiskCommand) (bool, error) {
	if (cmd.TakeProfitPrice != nil && cmd.TakeProfitPrice.IsNegative()) ||
		(cmd.StopLossPrice != nil && cmd.StopLossPrice.IsNegative()) {
		return false, domain.ErrInvalidRiskPrice
	}
	symbol := s.rules.NormalizeSymbol(cmd.Symbol)

	updated := 0
	err := s.ledger.mutate(ctx, cmd.UserID, func(ws *workingSet) error {
		for _, p := range ws.positions {
			if p.Symbol != symbol || (cmd.PositionID != "" && p.PositionID != cmd.PositionID) {
				continue
			}
			p.TakeProfitPrice = applyRiskPrice(p.TakeProfitPrice, cmd.TakeProfitPrice)
			p.StopLossPrice = applyRiskPrice(p.StopLossPrice, cmd.StopLossPrice)
			p.UpdatedAt = ws.now
			ws.touch(p)
			updated++
		}
		if updated == 0 {
			return errAbort
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if updated > 0 {
		s.logger.InfoContext(ctx, "position risk updated", "user_id", cmd.UserID, "symbol", symbol, "positions", updated)
	}
	return updated > 0, nil
}

func applyRiskPrice(current, requested *decimal.Decimal) *decimal.Decimal {
	if requested == nil {
		return current
	}
	if requested.IsZero() {
		return nil
	}
	v := *requested
	return &v
}

// symbolPositions 用户在某交易对的持仓
// 缓存中没有时再查一次存储，存储里有说明缓存已落后（其他实例写入），强制刷新后再取。
func (s *MarginService) symbolPositions(ctx context.Context, userID, symbol string) ([]*domain.Position, error) {
	pick := func() []*domain.Position {
		var out []*domain.Position
		for _, p := range s.ledger.cache.Positions(userID) {
			if p.Symbol == symbol {
				out = append(out, p)
			}
		}
		return out
	}
	if open := pick(); len(open) > 0 {
		return open, nil
	}
	stored, err := s.ledger.store.ListPositionsByUserSymbol(ctx, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s positions for %s: %w", symbol, userID, err)
	}
	if len(stored) == 0 {
		return nil, nil
	}
	s.logger.InfoContext(ctx, "positions found in store but not in cache, reloading", "user_id", userID, "symbol", symbol, "count", len(stored))
	if err := s.ledger.sync(ctx, userID, true); err != nil {
		return nil, err
	}
	return pick(), nil
}

// ClosePosition 以 reduce-only 市价单平仓
// 指定 positionID 时只平该笔；否则该交易对每个方向各提交一笔平仓单。
func (s *MarginService) ClosePosition(ctx context.Context, userID, symbol, positionID string) (bool, error) {
	if userID == "" {
		return false, domain.ErrInvalidUser
	}
	if err := s.ledger.sync(ctx, userID, false); err != nil {
		return false, err
	}
	symbol = s.rules.NormalizeSymbol(symbol)

	open, err := s.symbolPositions(ctx, userID, symbol)
	if err != nil {
		return false, err
	}

	var orders []*domain.Order
	sizes := make(map[domain.OrderSide]decimal.Decimal)
	var sides []domain.OrderSide
	for _, p := range open {
		if positionID != "" {
			if p.PositionID == positionID {
				orders = append(orders, closingOrder(p, "manual close"))
			}
			continue
		}
		if _, seen := sizes[p.Side]; !seen {
			sides = append(sides, p.Side)
		}
		sizes[p.Side] = sizes[p.Side].Add(p.Size)
	}
	for _, side := range sides {
		orders = append(orders, &domain.Order{
			UserID:     userID,
			Symbol:     symbol,
			Side:       side.Opposite(),
			Type:       domain.OrderTypeMarket,
			Quantity:   sizes[side],
			Leverage:   1,
			ReduceOnly: true,
			Notes:      "manual close",
		})
	}
	if len(orders) == 0 {
		return false, domain.ErrNoOpenPosition
	}

	var errs []error
	for _, o := range orders {
		placed, err := s.submit(ctx, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if placed.Status != domain.OrderStatusFilled {
			errs = append(errs, fmt.Errorf("close order %s %s: %s", placed.OrderID, strings.ToLower(string(placed.Status)), placed.Notes))
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}
