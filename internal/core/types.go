package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further status change can happen on the exchange.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the statuses the exchange reports.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderNew, OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderPendingCancel, OrderRejected, OrderExpired:
		return true
	}
	return false
}

type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

// OrderResult is the exchange view of an order after placement or a status query.
// Quantities are unsigned as the exchange reports them.
type OrderResult struct {
	OrderID            string
	ClientID           string
	Symbol             string
	Side               Side
	Status             OrderStatus
	Price              decimal.Decimal
	OrigQty            decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	// Commission is the fee taken out of the received asset: base on BUY, quote on SELL.
	Commission         decimal.Decimal
	UpdatedAt          time.Time
}

// AvgPrice returns the average fill price, falling back to the limit price before any fill.
func (r OrderResult) AvgPrice() decimal.Decimal {
	if r.ExecutedQty.Cmp(decimal.Zero) > 0 && r.CumulativeQuoteQty.Cmp(decimal.Zero) > 0 {
		return r.CumulativeQuoteQty.Div(r.ExecutedQty)
	}
	return r.Price
}

type OrderFlags struct {
	Type     OrderType
	ClientID string
}

type Candle struct {
	Market    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

type Rules struct {
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	PriceTick   decimal.Decimal
	MinNotional decimal.Decimal
}

type SymbolInfo struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Rules      Rules
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}
