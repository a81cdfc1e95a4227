package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAsset marks an asset that cannot be built from its inputs.
	ErrInvalidAsset = errors.New("invalid asset")
	// ErrFilterViolation marks a quantity or notional outside the exchange filters.
	ErrFilterViolation = errors.New("filter violation")
	// ErrNoMarket indicates two alt coins without a recorded direct pair.
	ErrNoMarket = errors.New("no market between coins")
	// ErrOrderPlacement wraps any failure while submitting an order leg.
	ErrOrderPlacement = errors.New("order placement failed")
	// ErrExchangeRejection indicates an error-coded exchange response instead of an order.
	ErrExchangeRejection = errors.New("exchange rejection")

	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderExpired indicates the order has expired on exchange.
	ErrOrderExpired = errors.New("order expired")
)

type InvalidAssetError struct {
	Field  string
	Reason string
}

func (e *InvalidAssetError) Error() string {
	return fmt.Sprintf("invalid asset %s: %s", e.Field, e.Reason)
}

func (e *InvalidAssetError) Unwrap() error { return ErrInvalidAsset }

const (
	FilterMinQty      = "minQty"
	FilterMaxQty      = "maxQty"
	FilterMinNotional = "minNotional"
)

type FilterViolation struct {
	Coin   string
	Filter string
	Value  decimal.Decimal
	Limit  decimal.Decimal
}

func (e *FilterViolation) Error() string {
	return fmt.Sprintf("%s %s violation: %s (limit %s)", e.Coin, e.Filter, e.Value.String(), e.Limit.String())
}

func (e *FilterViolation) Unwrap() error { return ErrFilterViolation }
