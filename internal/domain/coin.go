package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

type Kind int

const (
	KindAlt Kind = iota
	KindBridge
)

func (k Kind) String() string {
	if k == KindBridge {
		return "bridge"
	}
	return "alt"
}

type ValueFilter struct {
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Precision int32           `json:"precision"`
}

type Filters struct {
	Price       ValueFilter     `json:"price"`
	Quantity    ValueFilter     `json:"quantity"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Pair records which side of a direct market each coin sits on.
type Pair struct {
	Base  *Coin
	Quote *Coin
}

// Market is the exchange symbol of the pair, base first.
func (p Pair) Market() string {
	if p.Base == nil || p.Quote == nil {
		return ""
	}
	return p.Base.Code + p.Quote.Code
}

type PairInfo struct {
	Coin  string `json:"coin"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Coin is either the bridge (valuation pinned to 1, no filters, no adjacency)
// or an alt coin quoted against it.
type Coin struct {
	Code string

	kind       Kind
	valuation  decimal.Decimal
	trending   decimal.Decimal
	filters    Filters
	hasFilters bool
	pairs      map[string]Pair
}

func NewBridge(code string) *Coin {
	return &Coin{Code: code, kind: KindBridge, valuation: decimal.NewFromInt(1), trending: decimal.Zero}
}

func NewAltCoin(code string) *Coin {
	return &Coin{Code: code, kind: KindAlt, valuation: decimal.Zero, trending: decimal.Zero, pairs: make(map[string]Pair)}
}

func (c *Coin) Kind() Kind { return c.kind }

func (c *Coin) IsBridge() bool { return c.kind == KindBridge }

func (c *Coin) Valuation() decimal.Decimal { return c.valuation }

func (c *Coin) Trending() decimal.Decimal { return c.trending }

// UpdateMarket records the latest candle; the bridge ignores it.
func (c *Coin) UpdateMarket(valuation, trending decimal.Decimal) {
	if c.IsBridge() {
		return
	}
	c.valuation = valuation
	c.trending = trending
}

func (c *Coin) Filters() Filters { return c.filters }

func (c *Coin) HasFilters() bool { return c.hasFilters }

func (c *Coin) SetFilters(f Filters) {
	if c.IsBridge() {
		return
	}
	c.filters = f
	c.hasFilters = true
}

// HasPair reports whether c and other share a market. Every alt coin trades
// against the bridge.
func (c *Coin) HasPair(other *Coin) bool {
	if other == nil || other == c {
		return false
	}
	if c.IsBridge() || other.IsBridge() {
		return c.IsBridge() != other.IsBridge()
	}
	_, ok := c.pairs[other.Code]
	return ok
}

func (c *Coin) PairWith(other *Coin) (Pair, bool) {
	if other == nil {
		return Pair{}, false
	}
	if c.IsBridge() && !other.IsBridge() {
		return Pair{Base: other, Quote: c}, true
	}
	if other.IsBridge() && !c.IsBridge() {
		return Pair{Base: c, Quote: other}, true
	}
	p, ok := c.pairs[other.Code]
	return p, ok
}

// Pairs lists the recorded direct markets sorted by counterpart code.
func (c *Coin) Pairs() []PairInfo {
	out := make([]PairInfo, 0, len(c.pairs))
	for code, p := range c.pairs {
		out = append(out, PairInfo{Coin: code, Base: p.Base.Code, Quote: p.Quote.Code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out
}

// Link records the direct market between a and b on both coins with the same
// base/quote assignment.
func Link(a, b *Coin, base, quote *Coin) error {
	if a == nil || b == nil || a == b {
		return fmt.Errorf("link requires two distinct coins")
	}
	if a.IsBridge() || b.IsBridge() {
		return fmt.Errorf("bridge markets are implicit: %s/%s", a.Code, b.Code)
	}
	if !((base == a && quote == b) || (base == b && quote == a)) {
		return fmt.Errorf("pair %s/%s does not match coins %s,%s", base.Code, quote.Code, a.Code, b.Code)
	}
	p := Pair{Base: base, Quote: quote}
	a.pairs[b.Code] = p
	b.pairs[a.Code] = p
	return nil
}

// CheckQuantity validates qty against the quantity and notional filters and
// returns it truncated to the allowed precision. Orders must use the returned value.
func (c *Coin) CheckQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	if c.IsBridge() || !c.hasFilters {
		return qty, nil
	}
	return checkQuantity(c.Code, c.filters, c.valuation, qty)
}

// checkQuantity rejects qty outside the lot bounds, truncates it to the step
// precision and checks the notional at valuation.
func checkQuantity(code string, f Filters, valuation, qty decimal.Decimal) (decimal.Decimal, error) {
	q := f.Quantity
	if qty.Cmp(q.Min) < 0 {
		return decimal.Zero, &core.FilterViolation{Coin: code, Filter: core.FilterMinQty, Value: qty, Limit: q.Min}
	}
	if q.Max.Cmp(decimal.Zero) > 0 && qty.Cmp(q.Max) > 0 {
		return decimal.Zero, &core.FilterViolation{Coin: code, Filter: core.FilterMaxQty, Value: qty, Limit: q.Max}
	}
	truncated := qty.Truncate(q.Precision)
	notional := truncated.Mul(valuation)
	if notional.Cmp(f.MinNotional) < 0 {
		return decimal.Zero, &core.FilterViolation{Coin: code, Filter: core.FilterMinNotional, Value: notional, Limit: f.MinNotional}
	}
	return truncated, nil
}

func (c *Coin) IsTradable(qty decimal.Decimal) bool {
	_, err := c.CheckQuantity(qty)
	return err == nil
}
