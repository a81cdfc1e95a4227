package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

type CoinUpdate struct {
	Code      string
	Valuation decimal.Decimal
	Trending  decimal.Decimal
}

// Universe indexes the tradable alt coins and the bridge they are quoted in.
type Universe struct {
	bridge *Coin
	coins  map[string]*Coin
}

func NewUniverse(bridge *Coin, alts ...*Coin) (*Universe, error) {
	if bridge == nil || !bridge.IsBridge() {
		return nil, fmt.Errorf("universe requires a bridge coin")
	}
	u := &Universe{bridge: bridge, coins: make(map[string]*Coin, len(alts))}
	for _, c := range alts {
		if c == nil || c.IsBridge() {
			return nil, fmt.Errorf("universe accepts alt coins only")
		}
		if c.Code == bridge.Code {
			return nil, fmt.Errorf("alt coin %s collides with bridge", c.Code)
		}
		u.coins[c.Code] = c
	}
	return u, nil
}

func (u *Universe) Bridge() *Coin { return u.bridge }

func (u *Universe) Get(code string) (*Coin, bool) {
	c, ok := u.coins[code]
	return c, ok
}

// Lookup resolves alt coins and the bridge.
func (u *Universe) Lookup(code string) (*Coin, bool) {
	if code == u.bridge.Code {
		return u.bridge, true
	}
	return u.Get(code)
}

func (u *Universe) Codes() []string {
	out := make([]string, 0, len(u.coins))
	for code := range u.coins {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (u *Universe) Coins() []*Coin {
	codes := u.Codes()
	out := make([]*Coin, 0, len(codes))
	for _, code := range codes {
		out = append(out, u.coins[code])
	}
	return out
}

func (u *Universe) Len() int { return len(u.coins) }

// Markets returns every alt coin's bridge market, e.g. XLMUSDT.
func (u *Universe) Markets() []string {
	codes := u.Codes()
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		out = append(out, code+u.bridge.Code)
	}
	return out
}

// CodeForMarket strips the bridge suffix from a bridge market symbol.
func (u *Universe) CodeForMarket(market string) (string, bool) {
	if !strings.HasSuffix(market, u.bridge.Code) || len(market) == len(u.bridge.Code) {
		return "", false
	}
	code := strings.TrimSuffix(market, u.bridge.Code)
	_, ok := u.coins[code]
	return code, ok
}

func (u *Universe) Update(updates []CoinUpdate) error {
	for _, up := range updates {
		c, ok := u.coins[up.Code]
		if !ok {
			return fmt.Errorf("update for unknown coin %s", up.Code)
		}
		c.UpdateMarket(up.Valuation, up.Trending)
	}
	return nil
}

// UpdateFromCandles values each coin at the candle close and trends it by close minus open.
func (u *Universe) UpdateFromCandles(candles []core.Candle) error {
	updates := make([]CoinUpdate, 0, len(candles))
	for _, c := range candles {
		code, ok := u.CodeForMarket(c.Market)
		if !ok {
			return fmt.Errorf("candle for unknown market %s", c.Market)
		}
		updates = append(updates, CoinUpdate{
			Code:      code,
			Valuation: c.Close,
			Trending:  c.Close.Sub(c.Open),
		})
	}
	return u.Update(updates)
}
