package domain

import "github.com/shopspring/decimal"

// ShouldTrigger 判断条件单在 mark 价格下是否满足成交条件
//
//	LIMIT        买: mark <= limit   卖: mark >= limit
//	STOP_MARKET  买: mark >= stop    卖: mark <= stop
//	STOP_LIMIT   先满足 STOP 条件，再满足 LIMIT 条件
func ShouldTrigger(o *Order, mark decimal.Decimal) bool {
	switch o.Type {
	case OrderTypeLimit:
		return limitReached(o, mark)
	case OrderTypeStopMarket:
		return stopReached(o, mark)
	case OrderTypeStopLimit:
		return stopReached(o, mark) && limitReached(o, mark)
	default:
		return false
	}
}

func limitReached(o *Order, mark decimal.Decimal) bool {
	if o.LimitPrice == nil {
		return false
	}
	if o.Side == OrderSideBuy {
		return mark.LessThanOrEqual(*o.LimitPrice)
	}
	return mark.GreaterThanOrEqual(*o.LimitPrice)
}

func stopReached(o *Order, mark decimal.Decimal) bool {
	if o.StopPrice == nil {
		return false
	}
	if o.Side == OrderSideBuy {
		return mark.GreaterThanOrEqual(*o.StopPrice)
	}
	return mark.LessThanOrEqual(*o.StopPrice)
}
