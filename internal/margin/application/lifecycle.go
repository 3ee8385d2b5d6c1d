package application

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/utils"
)

// PositionManager 持仓生命周期：开新仓或按 FIFO 平仓，结算盈亏并维护资金
// 所有方法都只在用户临界区内操作工作副本。
type PositionManager struct {
	ids    *utils.SnowflakeID
	mmr    decimal.Decimal
	logger *slog.Logger
}

// NewPositionManager 创建持仓管理器，mmr 为新仓的维持保证金率
func NewPositionManager(ids *utils.SnowflakeID, mmr decimal.Decimal, logger *slog.Logger) *PositionManager {
	return &PositionManager{ids: ids, mmr: mmr, logger: logger.With("module", "position_manager")}
}

// ApplyFill 将一笔成交作用到持仓与资金上，返回开仓或平仓的数量
func (m *PositionManager) ApplyFill(ctx context.Context, ws *workingSet, order *domain.Order, price decimal.Decimal) decimal.Decimal {
	var qty decimal.Decimal
	if order.ReduceOnly {
		qty = m.close(ctx, ws, order, price)
	} else {
		qty = m.open(ws, order, price)
	}
	ws.recomputeUnrealized()
	return qty
}

// open 总是新建持仓，不与已有同交易对持仓合并
func (m *PositionManager) open(ws *workingSet, order *domain.Order, price decimal.Decimal) decimal.Decimal {
	p := domain.NewPosition(m.ids.NewID("POS"), order, price, m.mmr, ws.now)
	ws.add(p)
	ws.balance.LockMargin(p.Margin)
	ws.emit(domain.Event{
		Type:       domain.EventPositionOpened,
		UserID:     ws.userID,
		OccurredAt: ws.now,
		Payload: domain.PositionEvent{
			PositionID: p.PositionID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Size:       p.Size,
			Price:      price,
		},
	})
	return p.Size
}

// close 依次消耗候选持仓直到数量用尽：指定的 TargetPositionID 优先，其余按开仓时间先后
func (m *PositionManager) close(ctx context.Context, ws *workingSet, order *domain.Order, price decimal.Decimal) decimal.Decimal {
	candidates := m.closingOrder(ctx, ws, order)
	remaining := order.Quantity
	closed := decimal.Zero

	for _, p := range candidates {
		if !remaining.IsPositive() {
			break
		}
		res := p.Reduce(remaining, price, ws.now)
		ws.balance.Realize(res.MarginReleased, res.RealizedPnL)
		if !res.RealizedPnL.IsZero() {
			ws.txs = append(ws.txs, &domain.BalanceTransaction{
				TransactionID: m.ids.NewID("TXN"),
				UserID:        ws.userID,
				Type:          domain.TransactionRealizedPnL,
				Amount:        res.RealizedPnL,
				BalanceAfter:  ws.balance.Balance,
				Reference:     order.OrderID,
				Reason:        "position " + p.PositionID,
				CreatedAt:     ws.now,
			})
		}
		if res.FullyClosed {
			ws.remove(p)
		} else {
			ws.touch(p)
		}
		ws.emit(domain.Event{
			Type:       domain.EventPositionClosed,
			UserID:     ws.userID,
			OccurredAt: ws.now,
			Payload: domain.PositionEvent{
				PositionID:  p.PositionID,
				Symbol:      p.Symbol,
				Side:        p.Side,
				Size:        res.ClosedQty,
				Price:       price,
				RealizedPnL: res.RealizedPnL,
			},
		})

		m.logger.DebugContext(ctx, "position reduced",
			"order_id", order.OrderID,
			"position_id", p.PositionID,
			"closed", res.ClosedQty.String(),
			"pnl", res.RealizedPnL.String(),
			"full", res.FullyClosed,
		)
		remaining = remaining.Sub(res.ClosedQty)
		closed = closed.Add(res.ClosedQty)
	}

	if remaining.GreaterThan(domain.SizeEpsilon) {
		m.logger.WarnContext(ctx, "reduce-only fill exceeded open size",
			"order_id", order.OrderID,
			"unfilled", remaining.String(),
		)
	}
	return closed
}

func (m *PositionManager) closingOrder(ctx context.Context, ws *workingSet, order *domain.Order) []*domain.Position {
	candidates := ws.openPositions(order.Symbol, order.Side.Opposite())
	if order.TargetPositionID == "" {
		return candidates
	}
	for i, p := range candidates {
		if p.PositionID == order.TargetPositionID {
			ordered := make([]*domain.Position, 0, len(candidates))
			ordered = append(ordered, p)
			ordered = append(ordered, candidates[:i]...)
			return append(ordered, candidates[i+1:]...)
		}
	}
	// 目标持仓可能已被其他成交平掉
	m.logger.InfoContext(ctx, "target position not open, closing FIFO",
		"order_id", order.OrderID,
		"position_id", order.TargetPositionID,
	)
	return candidates
}
