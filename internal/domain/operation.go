package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

var (
	ErrOperationDone = errors.New("operation already settled")
	ErrUnknownLeg    = errors.New("leg does not belong to operation")
)

// Balances receives the per-leg balance deltas of an operation.
type Balances interface {
	AddBalance(coin *Coin, delta decimal.Decimal)
}

// Tier maps a growth ratio above Above to the fraction of balance traded.
type Tier struct {
	Above    decimal.Decimal
	Fraction decimal.Decimal
}

func DefaultTiers() []Tier {
	return []Tier{
		{Above: decimal.RequireFromString("1.0"), Fraction: decimal.RequireFromString("0.25")},
		{Above: decimal.RequireFromString("1.15"), Fraction: decimal.RequireFromString("0.35")},
		{Above: decimal.RequireFromString("1.3"), Fraction: decimal.RequireFromString("0.5")},
	}
}

// TierFraction picks the fraction of the highest tier growth exceeds, or the
// lowest tier fraction when none is exceeded.
func TierFraction(tiers []Tier, growth decimal.Decimal) decimal.Decimal {
	if len(tiers) == 0 {
		return decimal.Zero
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Above.Cmp(sorted[j].Above) < 0 })
	fraction := sorted[0].Fraction
	for _, tier := range sorted {
		if growth.Cmp(tier.Above) > 0 {
			fraction = tier.Fraction
		}
	}
	return fraction
}

// Settlement is the final outcome of an operation. An aborted settlement
// carries no amount and must not change any balance.
type Settlement struct {
	Amount  decimal.Decimal
	Aborted bool
	Reason  core.OrderStatus
	Direct  bool
	Prices  *LegPrices
}

// Step is what advancing an operation yields: a next leg to place, a
// settlement, or neither while the current leg is still open.
type Step struct {
	Next       *Trade
	Settlement *Settlement
}

// Operation converts part of a source asset into a target coin in one leg
// over a direct market, or two legs through the bridge.
type Operation struct {
	id          string
	source      *Coin
	bridge      *Coin
	target      *Coin
	amount      decimal.Decimal
	ratioGrowth decimal.Decimal
	direct      bool

	first      *Trade
	second     *Trade
	firstPrice decimal.Decimal
	settled    bool
	startedAt  time.Time
}

func NewOperation(source *Asset, bridge, target *Coin, ratioGrowth decimal.Decimal, tiers []Tier) (*Operation, error) {
	if source == nil || bridge == nil || target == nil {
		return nil, fmt.Errorf("operation requires source, bridge and target")
	}
	if !bridge.IsBridge() {
		return nil, fmt.Errorf("operation bridge %s is not the bridge coin", bridge.Code)
	}
	if source.Coin() == target {
		return nil, fmt.Errorf("operation source and target are both %s", target.Code)
	}
	amount := source.Balance().Mul(TierFraction(tiers, ratioGrowth))
	return &Operation{
		id:          uuid.NewString(),
		source:      source.Coin(),
		bridge:      bridge,
		target:      target,
		amount:      amount,
		ratioGrowth: ratioGrowth,
		direct:      source.PairWith(target),
		firstPrice:  decimal.Zero,
	}, nil
}

func (o *Operation) ID() string { return o.id }
func (o *Operation) Source() *Coin { return o.source }
func (o *Operation) Target() *Coin { return o.target }
func (o *Operation) Amount() decimal.Decimal { return o.amount }
func (o *Operation) RatioGrowth() decimal.Decimal { return o.ratioGrowth }
func (o *Operation) Direct() bool { return o.direct }
func (o *Operation) Settled() bool { return o.settled }
func (o *Operation) StartedAt() time.Time { return o.startedAt }

// Legs returns the legs built so far, first leg first.
func (o *Operation) Legs() []*Trade {
	out := make([]*Trade, 0, 2)
	if o.first != nil {
		out = append(out, o.first)
	}
	if o.second != nil {
		out = append(out, o.second)
	}
	return out
}

// Start builds the first leg: straight to the target over a direct market,
// otherwise into the bridge.
func (o *Operation) Start() (*Trade, error) {
	if o.first != nil {
		return nil, fmt.Errorf("operation %s already started", o.id)
	}
	to := o.bridge
	if o.direct {
		to = o.target
	}
	leg, err := NewTrade(o.source, to, o.amount)
	if err != nil {
		return nil, err
	}
	o.first = leg
	o.startedAt = time.Now().UTC()
	return leg, nil
}

// Advance feeds an exchange update for leg and applies the resulting balance
// deltas through b.
func (o *Operation) Advance(leg *Trade, u OrderUpdate, b Balances) (Step, error) {
	if o.settled {
		return Step{}, ErrOperationDone
	}
	current := o.second
	if current == nil {
		current = o.first
	}
	if leg == nil || leg != current {
		return Step{}, ErrUnknownLeg
	}

	fill, progress := leg.Update(u)
	switch progress {
	case ProgressOpen, ProgressIgnored:
		return Step{}, nil
	case ProgressDead:
		return Step{Settlement: o.settle(Settlement{Aborted: true, Reason: leg.Status()})}, nil
	}

	if leg == o.first && !o.direct {
		b.AddBalance(o.source, fill.From)
		b.AddBalance(o.bridge, fill.To)
		o.firstPrice = fill.Price
		next, err := NewTrade(o.bridge, o.target, fill.To)
		if err != nil {
			return Step{Settlement: o.settle(Settlement{Aborted: true, Reason: core.OrderCanceled})}, err
		}
		o.second = next
		return Step{Next: next}, nil
	}

	b.AddBalance(leg.From(), fill.From)
	s := Settlement{Amount: fill.To, Direct: o.direct, Reason: core.OrderFilled}
	if !o.direct {
		s.Prices = &LegPrices{From: o.firstPrice, To: fill.Price}
	}
	return Step{Settlement: o.settle(s)}, nil
}

func (o *Operation) settle(s Settlement) *Settlement {
	o.settled = true
	if s.Aborted {
		s.Amount = decimal.Zero
		s.Prices = nil
		s.Direct = o.direct
	}
	return &s
}
