package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
)

// OrderIntake 下单入口：规范化、校验，然后路由到执行引擎或条件单索引
type OrderIntake struct {
	rules   domain.TradingRules
	ledger  *userLedger
	oracle  domain.PriceOracle
	engine  *ExecutionEngine
	index   *ConditionalIndex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// CreateOrder 校验并受理订单
// 校验失败不是错误：订单以 REJECTED 状态记录并返回。只有受理时写库失败才返回 error。
func (in *OrderIntake) CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	now := in.ledger.now()
	order.Symbol = in.rules.NormalizeSymbol(order.Symbol)
	order.Status = domain.OrderStatusPending
	if order.OriginType == "" {
		order.OriginType = order.Type
	}
	if order.Leverage == 0 {
		order.Leverage = 1
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := in.ledger.sync(ctx, order.UserID, false); err != nil {
		return nil, err
	}
	if reason := in.validate(ctx, order); reason != "" {
		order.Reject(reason, now)
		in.logger.InfoContext(ctx, "order rejected",
			"order_id", order.OrderID,
			"user_id", order.UserID,
			"symbol", order.Symbol,
			"reason", reason,
		)
		in.ledger.recordOrder(ctx, order, domain.EventOrderRejected)
		in.metrics.OrdersTotal.WithLabelValues(string(order.Type), string(order.Status)).Inc()
		return order, nil
	}

	if err := in.ledger.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to save order %s: %w", order.OrderID, err)
	}
	in.ledger.cache.PutOrder(order)

	if order.Type == domain.OrderTypeMarket {
		if err := in.engine.ExecuteMarket(ctx, order, nil); err != nil {
			return order, err
		}
		return order, nil
	}

	in.index.Add(order)
	in.metrics.OrdersTotal.WithLabelValues(string(order.Type), string(order.Status)).Inc()
	in.logger.InfoContext(ctx, "conditional order accepted",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"type", order.Type,
	)
	return order, nil
}

// validate 返回拒单原因，空串表示通过；调用前用户账本已装载
func (in *OrderIntake) validate(ctx context.Context, order *domain.Order) string {
	if order.Symbol == "" {
		return domain.ReasonInvalidSymbol
	}
	if !order.Side.Valid() {
		return domain.ReasonInvalidSide
	}
	if !order.Type.Valid() {
		return domain.ReasonInvalidType
	}
	if !order.Quantity.IsPositive() {
		return domain.ReasonQuantityOutOfRange
	}
	// 平仓单不受下单量上下限约束，由可平数量截断；否则小额残仓或多笔合计超限的持仓无法平掉
	if !order.ReduceOnly && (order.Quantity.LessThan(in.rules.MinOrderSize) || order.Quantity.GreaterThan(in.rules.MaxOrderSize)) {
		return domain.ReasonQuantityOutOfRange
	}
	if order.Leverage < 1 {
		return domain.ReasonInvalidLeverage
	}
	if order.Leverage > in.rules.LeverageCap(order.Symbol) {
		return domain.ReasonLeverageExceedsCap
	}
	if !domain.ValidOrderPrice(order.LimitPrice) {
		return domain.ReasonInvalidLimitPrice
	}
	if !domain.ValidOrderPrice(order.StopPrice) {
		return domain.ReasonInvalidStopPrice
	}
	switch order.Type {
	case domain.OrderTypeLimit:
		if order.LimitPrice == nil {
			return domain.ReasonMissingLimitPrice
		}
	case domain.OrderTypeStopMarket:
		if order.StopPrice == nil {
			return domain.ReasonMissingStopPrice
		}
	case domain.OrderTypeStopLimit:
		if order.StopPrice == nil {
			return domain.ReasonMissingStopPrice
		}
		if order.LimitPrice == nil {
			return domain.ReasonMissingLimitPrice
		}
	}

	if order.ReduceOnly {
		return in.validateReduce(ctx, order)
	}
	return in.validateOpen(ctx, order)
}

// validateReduce 可平数量为 0 时拒单；超出可平数量时截断为可平数量
func (in *OrderIntake) validateReduce(ctx context.Context, order *domain.Order) string {
	open := decimal.Zero
	closing := order.Side.Opposite()
	for _, p := range in.ledger.cache.Positions(order.UserID) {
		if p.Symbol == order.Symbol && p.Side == closing {
			open = open.Add(p.Size)
		}
	}
	if !open.IsPositive() {
		return domain.ReasonNoPositionToReduce
	}
	if order.Quantity.GreaterThan(open) {
		in.logger.InfoContext(ctx, "reduce-only quantity clamped to open size",
			"order_id", order.OrderID,
			"requested", order.Quantity.String(),
			"clamped", open.String(),
		)
		order.Quantity = open
	}
	return ""
}

// validateOpen 检查参考价合理性、名义价值上限与所需保证金
func (in *OrderIntake) validateOpen(ctx context.Context, order *domain.Order) string {
	var indicative decimal.Decimal
	switch {
	case order.LimitPrice != nil:
		indicative = *order.LimitPrice
	case order.StopPrice != nil:
		indicative = *order.StopPrice
	default:
		price, err := in.oracle.GetMarkPrice(ctx, order.Symbol)
		if err != nil {
			in.logger.WarnContext(ctx, "indicative price lookup failed", "symbol", order.Symbol, "error", err)
			return domain.ReasonPriceUnavailable
		}
		indicative = price
	}

	if !in.rules.IsSanePrice(order.Symbol, indicative) {
		in.logger.WarnContext(ctx, "indicative price outside sanity band",
			"symbol", order.Symbol,
			"price", indicative.String(),
		)
		return domain.ReasonInvalidNotional
	}

	notional := in.rules.CapPrice(order.Symbol, indicative).Mul(order.Quantity)
	if notional.GreaterThan(in.rules.MaxNotionalPerOrder) {
		return fmt.Sprintf("%s: %s > %s", domain.ReasonNotionalTooLarge, notional.StringFixed(2), in.rules.MaxNotionalPerOrder.String())
	}

	required := decimal.Min(order.Quantity.Mul(indicative), in.rules.MaxNotionalPerOrder).
		Div(decimal.NewFromInt(int64(order.Leverage)))

	balance, ok := in.ledger.cache.Balance(order.UserID)
	if !ok || !balance.AvailableBalance.IsPositive() {
		return domain.ReasonNoAvailableBalance
	}
	if balance.AvailableBalance.LessThan(required) {
		return fmt.Sprintf("%s: need %s, available %s", domain.ReasonInsufficientMargin, required.StringFixed(2), balance.AvailableBalance.StringFixed(2))
	}
	return ""
}
