package domain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var ErrOperationActive = errors.New("asset already has an active operation")

type ExclusionPolicy string

const (
	// ExclusionOnTrade computes the excluded set on the first evaluation and
	// again after each completed operation.
	ExclusionOnTrade ExclusionPolicy = "on_trade"
	// ExclusionEveryTick recomputes it before every evaluation.
	ExclusionEveryTick ExclusionPolicy = "every_tick"
)

type TraderConfig struct {
	Fee                decimal.Decimal
	ConcentrationLimit decimal.Decimal
	TradableFraction   decimal.Decimal
	Tiers              []Tier
	ExclusionRefresh   ExclusionPolicy
}

func DefaultTraderConfig() TraderConfig {
	return TraderConfig{
		Fee:                decimal.RequireFromString("0.001"),
		ConcentrationLimit: decimal.RequireFromString("0.5"),
		TradableFraction:   decimal.RequireFromString("0.25"),
		Tiers:              DefaultTiers(),
		ExclusionRefresh:   ExclusionOnTrade,
	}
}

type Evaluation struct {
	Asset       *Asset
	Target      *Coin
	RatioGrowth decimal.Decimal
}

type AssetSnapshot struct {
	Coin    string
	Balance decimal.Decimal
}

// Trader owns every asset, the threshold and the in-flight operations. It is
// not safe for concurrent use; one goroutine must own it.
type Trader struct {
	cfg       TraderConfig
	bridge    *Asset
	assets    map[string]*Asset
	threshold *Threshold
	active    map[string]*Operation

	excluded      map[string]struct{}
	excludedReady bool
}

func NewTrader(bridge *Coin, assets []*Asset, threshold *Threshold, cfg TraderConfig) (*Trader, error) {
	if bridge == nil || !bridge.IsBridge() {
		return nil, fmt.Errorf("trader requires the bridge coin")
	}
	if threshold == nil {
		return nil, fmt.Errorf("trader requires a threshold")
	}
	if cfg.ExclusionRefresh == "" {
		cfg.ExclusionRefresh = ExclusionOnTrade
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	t := &Trader{
		cfg:       cfg,
		assets:    make(map[string]*Asset, len(assets)),
		threshold: threshold,
		active:    make(map[string]*Operation),
	}
	for _, a := range assets {
		if a == nil {
			continue
		}
		if a.IsBridge() {
			if a.Coin() != bridge {
				return nil, fmt.Errorf("asset %s is a different bridge than %s", a.Code(), bridge.Code)
			}
			t.bridge = a
			continue
		}
		if _, dup := t.assets[a.Code()]; dup {
			return nil, fmt.Errorf("duplicate asset %s", a.Code())
		}
		t.assets[a.Code()] = a
	}
	if t.bridge == nil {
		t.bridge = &Asset{coin: bridge, balance: decimal.Zero}
	}
	return t, nil
}

func (t *Trader) Config() TraderConfig { return t.cfg }

func (t *Trader) BridgeAsset() *Asset { return t.bridge }

func (t *Trader) Asset(code string) (*Asset, bool) {
	if code == t.bridge.Code() {
		return t.bridge, true
	}
	a, ok := t.assets[code]
	return a, ok
}

func (t *Trader) Balance(code string) decimal.Decimal {
	if a, ok := t.Asset(code); ok {
		return a.Balance()
	}
	return decimal.Zero
}

// AddBalance applies a leg delta, creating the asset the first time a coin is acquired.
func (t *Trader) AddBalance(coin *Coin, delta decimal.Decimal) {
	if coin == nil {
		return
	}
	if coin.IsBridge() {
		t.bridge.add(delta)
		return
	}
	a, ok := t.assets[coin.Code]
	if !ok {
		a = &Asset{coin: coin, balance: decimal.Zero}
		t.assets[coin.Code] = a
	}
	a.add(delta)
}

// Assets lists every held balance sorted by code with the bridge last.
func (t *Trader) Assets() []AssetSnapshot {
	codes := t.sortedCodes()
	out := make([]AssetSnapshot, 0, len(codes)+1)
	for _, code := range codes {
		out = append(out, AssetSnapshot{Coin: code, Balance: t.assets[code].Balance()})
	}
	return append(out, AssetSnapshot{Coin: t.bridge.Code(), Balance: t.bridge.Balance()})
}

func (t *Trader) Ratios() Ratios { return t.threshold.Ratios() }

func (t *Trader) Threshold() *Threshold { return t.threshold }

func (t *Trader) Active() []*Operation {
	codes := make([]string, 0, len(t.active))
	for code := range t.active {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make([]*Operation, 0, len(codes))
	for _, code := range codes {
		out = append(out, t.active[code])
	}
	return out
}

func (t *Trader) Excluded() []string {
	out := make([]string, 0, len(t.excluded))
	for code := range t.excluded {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// PortfolioValue is the bridge balance plus every asset at its valuation.
func (t *Trader) PortfolioValue() decimal.Decimal {
	total := t.bridge.Value()
	for _, a := range t.assets {
		total = total.Add(a.Value())
	}
	return total
}

// RefreshExcluded marks every coin whose share of the portfolio reaches the
// concentration limit as an ineligible destination.
func (t *Trader) RefreshExcluded() {
	t.excluded = make(map[string]struct{})
	t.excludedReady = true
	total := t.PortfolioValue()
	if total.Cmp(decimal.Zero) <= 0 {
		return
	}
	for code, a := range t.assets {
		if a.Value().Div(total).Cmp(t.cfg.ConcentrationLimit) >= 0 {
			t.excluded[code] = struct{}{}
		}
	}
}

// EvaluateMarket returns the most profitable conversion available now, if any
// scores above 1.
func (t *Trader) EvaluateMarket() (Evaluation, bool) {
	if !t.excludedReady || t.cfg.ExclusionRefresh == ExclusionEveryTick {
		t.RefreshExcluded()
	}
	var (
		best  Evaluation
		found bool
	)
	one := decimal.NewFromInt(1)
	for _, code := range t.sortedCodes() {
		if _, busy := t.active[code]; busy {
			continue
		}
		a := t.assets[code]
		if !a.Coin().IsTradable(a.Balance().Mul(t.cfg.TradableFraction)) {
			continue
		}
		target, score := t.threshold.FindBestTrade(a.Coin(), t.cfg.Fee, t.excluded)
		if score.Cmp(one) <= 0 || target == a.Coin() {
			continue
		}
		if !found || score.Cmp(best.RatioGrowth) > 0 {
			best = Evaluation{Asset: a, Target: target, RatioGrowth: score}
			found = true
		}
	}
	return best, found
}

// AddOperation registers and starts the conversion for ev, returning the first leg to place.
func (t *Trader) AddOperation(ev Evaluation) (*Operation, *Trade, error) {
	if ev.Asset == nil || ev.Target == nil {
		return nil, nil, fmt.Errorf("evaluation requires asset and target")
	}
	code := ev.Asset.Code()
	if _, busy := t.active[code]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrOperationActive, code)
	}
	op, err := NewOperation(ev.Asset, t.bridge.Coin(), ev.Target, ev.RatioGrowth, t.cfg.Tiers)
	if err != nil {
		return nil, nil, err
	}
	leg, err := op.Start()
	if err != nil {
		return nil, nil, err
	}
	t.active[code] = op
	return op, leg, nil
}

// Advance forwards a leg update to op and runs the completion bookkeeping
// once the operation settles.
func (t *Trader) Advance(op *Operation, leg *Trade, u OrderUpdate) (Step, error) {
	step, err := op.Advance(leg, u, t)
	if step.Settlement != nil {
		t.complete(op, *step.Settlement)
	}
	return step, err
}

func (t *Trader) complete(op *Operation, s Settlement) {
	if cur, ok := t.active[op.Source().Code]; ok && cur == op {
		delete(t.active, op.Source().Code)
	}
	if s.Aborted {
		return
	}
	t.AddBalance(op.Target(), s.Amount)
	t.RefreshExcluded()
	t.threshold.UpdateRatios(op.Source(), op.Target(), s.Prices)
}

func (t *Trader) sortedCodes() []string {
	codes := make([]string, 0, len(t.assets))
	for code := range t.assets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
