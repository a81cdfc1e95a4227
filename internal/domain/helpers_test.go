package domain

import (
	"testing"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	bridge   *Coin
	a, b, c  *Coin
	universe *Universe
}

// newFixture builds USDT plus A, B, C valued 1, 0.5 and 2 with a flat ratio matrix.
func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		bridge: NewBridge("USDT"),
		a:      NewAltCoin("A"),
		b:      NewAltCoin("B"),
		c:      NewAltCoin("C"),
	}
	f.a.UpdateMarket(d("1"), decimal.Zero)
	f.b.UpdateMarket(d("0.5"), decimal.Zero)
	f.c.UpdateMarket(d("2"), decimal.Zero)
	u, err := NewUniverse(f.bridge, f.a, f.b, f.c)
	if err != nil {
		t.Fatalf("NewUniverse() error = %v", err)
	}
	f.universe = u
	return f
}

func flatRatios(codes ...string) Ratios {
	r := make(Ratios)
	for _, a := range codes {
		for _, b := range codes {
			if a != b {
				r.set(a, b, decimal.NewFromInt(1))
			}
		}
	}
	return r
}

func mustAsset(t *testing.T, coin *Coin, balance string) *Asset {
	t.Helper()
	a, err := NewAsset(coin, d(balance))
	if err != nil {
		t.Fatalf("NewAsset(%s) error = %v", coin.Code, err)
	}
	return a
}

type balanceCall struct {
	code  string
	delta decimal.Decimal
}

type recordingBalances struct {
	calls []balanceCall
}

func (r *recordingBalances) AddBalance(coin *Coin, delta decimal.Decimal) {
	r.calls = append(r.calls, balanceCall{code: coin.Code, delta: delta})
}

func filled(base, quote, price string) OrderUpdate {
	return OrderUpdate{
		OrderID:  "1",
		Status:   core.OrderFilled,
		Executed: Executed{Base: d(base), Quote: d(quote)},
		Price:    d(price),
	}
}
