package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrAboveMaxQty      = errors.New("qty above max")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeOrder rounds an order to the symbol rules and rejects what the exchange would.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		order.Qty = RoundDown(order.Qty, rules.QtyStep)
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MinQty) < 0 {
		return order, ErrBelowMinQty
	}
	if rules.MaxQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MaxQty) > 0 {
		return order, ErrAboveMaxQty
	}
	if order.Type == Market {
		if order.Price.Cmp(decimal.Zero) <= 0 {
			return order, nil
		}
		return order, checkNotional(order, rules)
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		order.Price = RoundDown(order.Price, rules.PriceTick)
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	return order, checkNotional(order, rules)
}

func checkNotional(order Order, rules Rules) error {
	if rules.MinNotional.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	if order.Price.Mul(order.Qty).Cmp(rules.MinNotional) < 0 {
		return ErrBelowMinNotional
	}
	return nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// StepToPrecision converts an exchange step size such as "0.00100000" into
// the number of decimal places it allows (3). Steps of 1 or more give 0.
func StepToPrecision(step decimal.Decimal) int32 {
	if step.Cmp(decimal.Zero) <= 0 {
		return 0
	}
	var places int32
	for !step.IsInteger() && places < 18 {
		step = step.Shift(1)
		places++
	}
	return places
}
