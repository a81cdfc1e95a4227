package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Ratios is the baseline matrix: ratios[A][B] is the A/B rate recorded the
// last time the pair was traded or derived. It is not kept symmetric.
type Ratios map[string]map[string]decimal.Decimal

func (r Ratios) Clone() Ratios {
	out := make(Ratios, len(r))
	for a, row := range r {
		dst := make(map[string]decimal.Decimal, len(row))
		for b, v := range row {
			dst[b] = v
		}
		out[a] = dst
	}
	return out
}

func (r Ratios) set(a, b string, v decimal.Decimal) {
	row, ok := r[a]
	if !ok {
		row = make(map[string]decimal.Decimal)
		r[a] = row
	}
	row[b] = v
}

// InitialRatios derives the full matrix from current valuations. Coins
// without a valuation are left out of the rows and columns.
func InitialRatios(u *Universe) Ratios {
	out := make(Ratios, u.Len())
	coins := u.Coins()
	for _, a := range coins {
		if a.Valuation().IsZero() {
			continue
		}
		for _, b := range coins {
			if a == b || b.Valuation().IsZero() {
				continue
			}
			out.set(a.Code, b.Code, a.Valuation().Div(b.Valuation()))
		}
	}
	return out
}

// LegPrices are the fill prices of a bridge-mediated conversion, in bridge units.
type LegPrices struct {
	From decimal.Decimal
	To   decimal.Decimal
}

type Threshold struct {
	ratios   Ratios
	universe *Universe
	growth   decimal.Decimal
}

func NewThreshold(ratios Ratios, universe *Universe, growth decimal.Decimal) *Threshold {
	if ratios == nil {
		ratios = make(Ratios)
	}
	return &Threshold{ratios: ratios, universe: universe, growth: growth}
}

func (t *Threshold) Ratios() Ratios { return t.ratios.Clone() }

func (t *Threshold) Ratio(a, b string) (decimal.Decimal, bool) {
	row, ok := t.ratios[a]
	if !ok {
		return decimal.Zero, false
	}
	v, ok := row[b]
	return v, ok
}

// FindBestTrade scores every coin in coin's ratio row and returns the best
// one. (coin, 0) means nothing scored.
//
//	score = coin.val / vs.val * (1 - fee') * growth / ratio[coin][vs]
//
// where fee' is fee for a direct market and 2*fee through the bridge.
func (t *Threshold) FindBestTrade(coin *Coin, fee decimal.Decimal, excluded map[string]struct{}) (*Coin, decimal.Decimal) {
	best, bestScore := coin, decimal.Zero
	row := t.ratios[coin.Code]
	if len(row) == 0 || coin.Valuation().IsZero() {
		return best, bestScore
	}
	codes := make([]string, 0, len(row))
	for code := range row {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	one := decimal.NewFromInt(1)
	for _, code := range codes {
		if code == coin.Code {
			continue
		}
		if _, skip := excluded[code]; skip {
			continue
		}
		vs, ok := t.universe.Get(code)
		if !ok || vs.Valuation().IsZero() {
			continue
		}
		ratio := row[code]
		if ratio.Cmp(decimal.Zero) <= 0 {
			continue
		}
		legFee := fee
		if !coin.HasPair(vs) {
			legFee = fee.Mul(decimal.NewFromInt(2))
		}
		score := coin.Valuation().Div(vs.Valuation()).
			Mul(one.Sub(legFee)).
			Mul(t.growth).
			Div(ratio)
		if score.Cmp(bestScore) > 0 {
			best, bestScore = vs, score
		}
	}
	return best, bestScore
}

// UpdateRatios resets the baselines after a from->to conversion. ratio[to][from]
// comes from the fill prices when given, otherwise from live valuations; then
// every other coin's baseline against to is re-derived. Baselines against from
// are left alone apart from that single pair.
func (t *Threshold) UpdateRatios(from, to *Coin, prices *LegPrices) {
	num, den := to.Valuation(), from.Valuation()
	if prices != nil {
		num, den = prices.To, prices.From
	}
	if !den.IsZero() {
		t.ratios.set(to.Code, from.Code, num.Div(den))
	}
	if to.Valuation().IsZero() {
		return
	}
	for _, c := range t.universe.Coins() {
		if c == to {
			continue
		}
		if _, ok := t.ratios[c.Code]; !ok && c != from {
			continue
		}
		t.ratios.set(c.Code, to.Code, c.Valuation().Div(to.Valuation()))
	}
}
