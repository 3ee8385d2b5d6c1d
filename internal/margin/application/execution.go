package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/metrics"
	"github.com/wyfcoding/margintrading/pkg/utils"
)

var hundred = decimal.NewFromInt(100)

// ExecutionEngine 按标记价格成交市价单（包括已触发的条件单）
type ExecutionEngine struct {
	ledger    *userLedger
	positions *PositionManager
	oracle    domain.PriceOracle
	fees      domain.FeePolicyProvider
	fallback  domain.FeeConfig
	rules     domain.TradingRules
	ids       *utils.SnowflakeID
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// ExecuteMarket 成交市价单
// providedPrice 为空时使用实时标记价格；价格异常时重取一次，仍异常则拒单且不做任何变更。
func (e *ExecutionEngine) ExecuteMarket(ctx context.Context, order *domain.Order, providedPrice *decimal.Decimal) error {
	price, err := e.resolvePrice(ctx, order.Symbol, providedPrice)
	if err != nil {
		e.logger.WarnContext(ctx, "rejecting order on abnormal market price",
			"order_id", order.OrderID,
			"symbol", order.Symbol,
			"error", err,
		)
		order.Reject(domain.ReasonAbnormalMarketPrice, e.ledger.now())
		e.ledger.recordOrder(ctx, order, domain.EventOrderRejected)
		e.metrics.OrdersTotal.WithLabelValues(string(order.FeeType()), string(order.Status)).Inc()
		return nil
	}
	_, err = e.fill(ctx, order, price)
	return err
}

// resolvePrice 取得可用的成交价：候选价格不合理时从预言机重取一次
func (e *ExecutionEngine) resolvePrice(ctx context.Context, symbol string, provided *decimal.Decimal) (decimal.Decimal, error) {
	if provided != nil && e.rules.IsSanePrice(symbol, *provided) {
		return *provided, nil
	}
	attempts := 2
	if provided != nil {
		// 提供的价格已经用掉一次机会
		attempts = 1
	}

	var last decimal.Decimal
	for i := 0; i < attempts; i++ {
		price, err := e.oracle.GetMarkPrice(ctx, symbol)
		if err != nil {
			e.logger.DebugContext(ctx, "mark price lookup failed", "symbol", symbol, "attempt", i+1, "error", err)
			continue
		}
		if e.rules.IsSanePrice(symbol, price) {
			return price, nil
		}
		last = price
	}
	return decimal.Zero, fmt.Errorf("%w: %s at %s", domain.ErrAbnormalPrice, symbol, last.String())
}

// feeConfig 当前费率，费率服务不可用时使用兜底值
func (e *ExecutionEngine) feeConfig(ctx context.Context) domain.FeeConfig {
	if e.fees == nil {
		return e.fallback
	}
	cfg, err := e.fees.GetActiveFeeConfig(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "fee policy unavailable, using fallback rates", "error", err)
		return e.fallback
	}
	if cfg == nil {
		return e.fallback
	}
	return *cfg
}

// sanitize 清理成交后仅用于展示的限价/触发价
func sanitize(order *domain.Order) {
	if order.LimitPrice != nil && !domain.ValidOrderPrice(order.LimitPrice) {
		order.LimitPrice = nil
	}
	if order.StopPrice != nil && !domain.ValidOrderPrice(order.StopPrice) {
		order.StopPrice = nil
	}
}

// fill 在用户临界区内完成成交、持仓变更与手续费扣除，返回订单是否成交
func (e *ExecutionEngine) fill(ctx context.Context, order *domain.Order, price decimal.Decimal) (bool, error) {
	sanitize(order)
	rates := e.feeConfig(ctx)
	px := price.Round(2)

	rate := rates.MakerFeePercent
	if order.FeeType().IsTaker() {
		rate = rates.TakerFeePercent
	}

	var (
		filled bool
		fee    decimal.Decimal
	)
	err := e.ledger.mutate(ctx, order.UserID, func(ws *workingSet) error {
		if order.ReduceOnly {
			open := ws.openSize(order.Symbol, order.Side.Opposite())
			if !open.IsPositive() {
				e.dropReduceOnly(ctx, ws, order)
				return nil
			}
			if order.Quantity.GreaterThan(open) {
				e.logger.InfoContext(ctx, "reduce-only quantity clamped to open size",
					"order_id", order.OrderID,
					"requested", order.Quantity.String(),
					"clamped", open.String(),
				)
				order.Quantity = open
			}
		}

		fee = order.Quantity.Mul(px).Mul(rate).Div(hundred)
		if !order.ReduceOnly {
			// 受理时的保证金检查不在锁内，同一用户的并发开仓必须在这里按成交价重新核对
			if need := order.InitialMargin(px).Add(fee); ws.balance.AvailableBalance.LessThan(need) {
				e.rejectInsufficient(ctx, ws, order, need)
				return nil
			}
		}

		order.Fill(px, ws.now)
		e.positions.ApplyFill(ctx, ws, order, px)
		order.Fee = fee
		if !fee.IsZero() {
			ws.balance.Charge(fee)
			ws.txs = append(ws.txs, &domain.BalanceTransaction{
				TransactionID: e.ids.NewID("TXN"),
				UserID:        ws.userID,
				Type:          domain.TransactionTradingFee,
				Amount:        fee.Neg(),
				BalanceAfter:  ws.balance.Balance,
				Reference:     order.OrderID,
				Reason:        "trading fee " + string(order.FeeType()),
				CreatedAt:     ws.now,
			})
		}

		ws.saveOrder(order)
		ws.emit(domain.NewOrderEvent(domain.EventOrderFilled, order, ws.now))
		filled = true
		return nil
	})
	if err != nil {
		return false, err
	}

	e.metrics.OrdersTotal.WithLabelValues(string(order.FeeType()), string(order.Status)).Inc()
	if filled {
		e.metrics.FillsTotal.WithLabelValues(string(order.Side)).Inc()
		e.metrics.FeesTotal.Add(fee.InexactFloat64())
		e.logger.InfoContext(ctx, "order filled",
			"order_id", order.OrderID,
			"user_id", order.UserID,
			"symbol", order.Symbol,
			"side", order.Side,
			"quantity", order.Quantity.String(),
			"price", px.String(),
			"fee", fee.String(),
		)
	}
	return filled, nil
}

// dropReduceOnly 成交时已无可平持仓：已触发的条件单撤销，其余拒绝
func (e *ExecutionEngine) dropReduceOnly(ctx context.Context, ws *workingSet, order *domain.Order) {
	eventType := domain.EventOrderRejected
	if order.FeeType() != domain.OrderTypeMarket {
		order.Cancel(ws.now)
		order.Notes = domain.ReasonNoPositionToReduce
		eventType = domain.EventOrderCancelled
	} else {
		order.Reject(domain.ReasonNoPositionToReduce, ws.now)
	}
	ws.saveOrder(order)
	ws.emit(domain.NewOrderEvent(eventType, order, ws.now))
	e.logger.InfoContext(ctx, "reduce-only order has nothing to close",
		"order_id", order.OrderID,
		"status", order.Status,
	)
}

// rejectInsufficient 成交时可用余额已不足以覆盖保证金与手续费
func (e *ExecutionEngine) rejectInsufficient(ctx context.Context, ws *workingSet, order *domain.Order, need decimal.Decimal) {
	available := ws.balance.AvailableBalance
	eventType := domain.EventOrderRejected
	if order.FeeType() != domain.OrderTypeMarket {
		// 已触发的条件单与平仓单一致，以撤销收场
		order.Cancel(ws.now)
		order.Notes = domain.ReasonInsufficientMargin
		eventType = domain.EventOrderCancelled
	} else {
		order.Reject(fmt.Sprintf("%s: need %s, available %s", domain.ReasonInsufficientMargin, need.StringFixed(2), available.StringFixed(2)), ws.now)
	}
	ws.saveOrder(order)
	ws.emit(domain.NewOrderEvent(eventType, order, ws.now))
	e.logger.InfoContext(ctx, "insufficient margin at fill",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"need", need.String(),
		"available", available.String(),
	)
}
