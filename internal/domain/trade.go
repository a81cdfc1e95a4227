package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

// Executed amounts are signed from the account's perspective: what left the
// account is negative, what arrived is positive.
type Executed struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
}

type OrderUpdate struct {
	OrderID  string
	Status   core.OrderStatus
	Executed Executed
	Price    decimal.Decimal
}

// UpdateFromOrder turns an exchange order report into a signed leg update.
// The received side is net of the commission the exchange kept.
func UpdateFromOrder(side core.Side, r core.OrderResult) OrderUpdate {
	qty, quote := r.ExecutedQty, r.CumulativeQuoteQty
	exec := Executed{Base: qty.Sub(r.Commission), Quote: quote.Neg()}
	if side == core.Sell {
		exec = Executed{Base: qty.Neg(), Quote: quote.Sub(r.Commission)}
	}
	return OrderUpdate{
		OrderID:  r.OrderID,
		Status:   r.Status,
		Executed: exec,
		Price:    r.AvgPrice(),
	}
}

// CanceledUpdate is what a leg receives when its order never reached the exchange.
func CanceledUpdate() OrderUpdate {
	return OrderUpdate{
		Status:   core.OrderCanceled,
		Executed: Executed{Base: decimal.Zero, Quote: decimal.Zero},
		Price:    decimal.Zero,
	}
}

// Fill is a filled leg expressed in the leg's own from/to terms.
type Fill struct {
	From  decimal.Decimal
	To    decimal.Decimal
	Price decimal.Decimal
}

type Progress int

const (
	// ProgressOpen means the order is still working and must be polled again.
	ProgressOpen Progress = iota
	ProgressFilled
	// ProgressDead is a terminal outcome without a fill.
	ProgressDead
	// ProgressIgnored is returned for updates arriving after a terminal state.
	ProgressIgnored
)

func (p Progress) String() string {
	switch p {
	case ProgressOpen:
		return "open"
	case ProgressFilled:
		return "filled"
	case ProgressDead:
		return "dead"
	case ProgressIgnored:
		return "ignored"
	}
	return fmt.Sprintf("progress(%d)", int(p))
}

// Trade is one order leg.
type Trade struct {
	id     string
	from   *Coin
	to     *Coin
	amount decimal.Decimal

	base   *Coin
	quote  *Coin
	side   core.Side
	direct bool

	status        core.OrderStatus
	orderID       string
	executed      Executed
	executedPrice decimal.Decimal
	createdAt     time.Time
	updatedAt     time.Time
}

// NewTrade derives market and side: from the bridge is a BUY of to, into the
// bridge is a SELL of from, otherwise the recorded direct pair decides.
func NewTrade(from, to *Coin, amount decimal.Decimal) (*Trade, error) {
	if from == nil || to == nil || from == to {
		return nil, fmt.Errorf("trade requires two distinct coins")
	}
	now := time.Now().UTC()
	t := &Trade{
		id:            uuid.NewString(),
		from:          from,
		to:            to,
		amount:        amount,
		status:        core.OrderNew,
		executed:      Executed{Base: decimal.Zero, Quote: decimal.Zero},
		executedPrice: decimal.Zero,
		createdAt:     now,
		updatedAt:     now,
	}
	switch {
	case from.IsBridge():
		t.base, t.quote, t.side = to, from, core.Buy
	case to.IsBridge():
		t.base, t.quote, t.side = from, to, core.Sell
	default:
		pair, ok := from.PairWith(to)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", core.ErrNoMarket, from.Code, to.Code)
		}
		t.base, t.quote, t.direct = pair.Base, pair.Quote, true
		if from == pair.Base {
			t.side = core.Sell
		} else {
			t.side = core.Buy
		}
	}
	return t, nil
}

func (t *Trade) ID() string { return t.id }
func (t *Trade) From() *Coin { return t.from }
func (t *Trade) To() *Coin { return t.to }
func (t *Trade) Amount() decimal.Decimal { return t.amount }
func (t *Trade) Base() *Coin { return t.base }
func (t *Trade) Quote() *Coin { return t.quote }
func (t *Trade) Side() core.Side { return t.side }
func (t *Trade) Direct() bool { return t.direct }
func (t *Trade) Status() core.OrderStatus { return t.status }
func (t *Trade) OrderID() string { return t.orderID }
func (t *Trade) Executed() Executed { return t.executed }
func (t *Trade) ExecutedPrice() decimal.Decimal { return t.executedPrice }
func (t *Trade) CreatedAt() time.Time { return t.createdAt }
func (t *Trade) UpdatedAt() time.Time { return t.updatedAt }
func (t *Trade) Market() string { return t.base.Code + t.quote.Code }
func (t *Trade) Terminal() bool { return t.status.Terminal() }
func (t *Trade) FromBridge() bool { return t.from.IsBridge() }

// OrderQuantity converts the leg amount into a base quantity at price and
// quantizes it with the base coin filters. A SELL spends base directly; a BUY
// spends quote, so the amount is divided by price first.
func (t *Trade) OrderQuantity(price decimal.Decimal) (decimal.Decimal, error) {
	return t.Order().Quantity(price)
}

// LegOrder is a copy of everything needed to place a leg. It holds no coin
// pointers, so it can be handed to a goroutine while the market keeps moving.
type LegOrder struct {
	LegID  string
	Market string
	Side   core.Side
	Amount decimal.Decimal

	base       string
	filters    Filters
	hasFilters bool
	valuation  decimal.Decimal
}

func (t *Trade) Order() LegOrder {
	return LegOrder{
		LegID:      t.id,
		Market:     t.Market(),
		Side:       t.side,
		Amount:     t.amount,
		base:       t.base.Code,
		filters:    t.base.filters,
		hasFilters: t.base.hasFilters && !t.base.IsBridge(),
		valuation:  t.base.valuation,
	}
}

func (o LegOrder) Quantity(price decimal.Decimal) (decimal.Decimal, error) {
	qty := o.Amount
	if o.Side == core.Buy {
		if price.Cmp(decimal.Zero) <= 0 {
			return decimal.Zero, fmt.Errorf("%w: non-positive price %s", core.ErrInvalidOrder, price)
		}
		qty = o.Amount.Div(price)
	}
	if !o.hasFilters {
		return qty, nil
	}
	return checkQuantity(o.base, o.filters, o.valuation, qty)
}

// Update records the latest exchange state of the leg.
func (t *Trade) Update(u OrderUpdate) (Fill, Progress) {
	if t.status.Terminal() {
		return Fill{}, ProgressIgnored
	}
	if u.OrderID != "" {
		t.orderID = u.OrderID
	}
	t.status = u.Status
	t.executed = u.Executed
	t.executedPrice = u.Price
	t.updatedAt = time.Now().UTC()

	switch u.Status {
	case core.OrderFilled:
		return t.fill(), ProgressFilled
	case core.OrderCanceled, core.OrderRejected, core.OrderExpired:
		return Fill{}, ProgressDead
	default:
		return Fill{}, ProgressOpen
	}
}

func (t *Trade) fill() Fill {
	f := Fill{From: t.executed.Quote, To: t.executed.Base, Price: t.executedPrice}
	if t.base == t.from {
		f.From = t.executed.Base
	}
	if t.quote == t.to {
		f.To = t.executed.Quote
	}
	return f
}
