package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

func filteredCoin(minNotional string) *Coin {
	c := NewAltCoin("XLM")
	c.SetFilters(Filters{
		Quantity:    ValueFilter{Min: d("1"), Max: d("1000"), Precision: 2},
		MinNotional: d(minNotional),
	})
	c.UpdateMarket(d("10"), decimal.Zero)
	return c
}

func TestCheckQuantityTruncatesToPrecision(t *testing.T) {
	c := filteredCoin("10")
	got, err := c.CheckQuantity(d("1.239"))
	if err != nil {
		t.Fatalf("CheckQuantity() error = %v", err)
	}
	if !got.Equal(d("1.23")) {
		t.Fatalf("CheckQuantity() = %s, want 1.23", got)
	}
}

func TestCheckQuantityFilterViolations(t *testing.T) {
	cases := []struct {
		name        string
		qty         string
		minNotional string
		filter      string
	}{
		{name: "below min", qty: "0.5", minNotional: "0", filter: core.FilterMinQty},
		{name: "above max", qty: "1000.01", minNotional: "0", filter: core.FilterMaxQty},
		// 1.239 * 10 passes, the truncated 1.23 * 10 does not
		{name: "truncated notional", qty: "1.239", minNotional: "12.35", filter: core.FilterMinNotional},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := filteredCoin(tc.minNotional)
			_, err := c.CheckQuantity(d(tc.qty))
			if !errors.Is(err, core.ErrFilterViolation) {
				t.Fatalf("CheckQuantity(%s) error = %v, want ErrFilterViolation", tc.qty, err)
			}
			var fv *core.FilterViolation
			if !errors.As(err, &fv) || fv.Filter != tc.filter {
				t.Fatalf("CheckQuantity(%s) filter = %+v, want %s", tc.qty, fv, tc.filter)
			}
			if c.IsTradable(d(tc.qty)) {
				t.Fatalf("IsTradable(%s) = true, want false", tc.qty)
			}
		})
	}
}

func TestCheckQuantityZeroMaxMeansUnbounded(t *testing.T) {
	c := NewAltCoin("TRX")
	c.SetFilters(Filters{Quantity: ValueFilter{Min: d("1"), Precision: 0}})
	c.UpdateMarket(d("0.1"), decimal.Zero)
	got, err := c.CheckQuantity(d("123456789.9"))
	if err != nil {
		t.Fatalf("CheckQuantity() error = %v", err)
	}
	if !got.Equal(d("123456789")) {
		t.Fatalf("CheckQuantity() = %s, want 123456789", got)
	}
}

func TestBridgeCoin(t *testing.T) {
	b := NewBridge("USDT")
	b.UpdateMarket(d("3"), d("1"))
	if !b.Valuation().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("bridge Valuation() = %s, want 1", b.Valuation())
	}
	if !b.IsBridge() || b.Kind() != KindBridge {
		t.Fatalf("bridge IsBridge() = false")
	}
	alt := NewAltCoin("ADA")
	if !b.HasPair(alt) || !alt.HasPair(b) {
		t.Fatalf("bridge and alt must share a market")
	}
	got, err := b.CheckQuantity(d("0.0000001"))
	if err != nil || !got.Equal(d("0.0000001")) {
		t.Fatalf("bridge CheckQuantity() = %s, %v", got, err)
	}
}

func TestLinkIsReciprocal(t *testing.T) {
	f := newFixture(t)
	if err := Link(f.a, f.b, f.b, f.a); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	ab, ok := f.a.PairWith(f.b)
	if !ok {
		t.Fatalf("A.PairWith(B) ok = false")
	}
	ba, ok := f.b.PairWith(f.a)
	if !ok {
		t.Fatalf("B.PairWith(A) ok = false")
	}
	if ab.Base != ba.Base || ab.Quote != ba.Quote || ab.Base != f.b {
		t.Fatalf("pairs differ: A sees %s/%s, B sees %s/%s", ab.Base.Code, ab.Quote.Code, ba.Base.Code, ba.Quote.Code)
	}
	if ab.Market() != "BA" {
		t.Fatalf("Market() = %q, want BA", ab.Market())
	}
	if f.a.HasPair(f.c) {
		t.Fatalf("A.HasPair(C) = true, want false")
	}
	if err := Link(f.a, f.b, f.c, f.a); err == nil {
		t.Fatalf("Link() with foreign base error = nil")
	}
	pairs := f.a.Pairs()
	if len(pairs) != 1 || pairs[0] != (PairInfo{Coin: "B", Base: "B", Quote: "A"}) {
		t.Fatalf("Pairs() = %+v", pairs)
	}
}

func TestUniverseUpdateFromCandles(t *testing.T) {
	f := newFixture(t)
	if code, ok := f.universe.CodeForMarket("CUSDT"); !ok || code != "C" {
		t.Fatalf("CodeForMarket(CUSDT) = %q, %v", code, ok)
	}
	if _, ok := f.universe.CodeForMarket("USDT"); ok {
		t.Fatalf("CodeForMarket(USDT) ok = true")
	}
	now := time.Now()
	err := f.universe.UpdateFromCandles([]core.Candle{
		{Market: "AUSDT", Open: d("1"), Close: d("1.2"), OpenTime: now},
		{Market: "BUSDT", Open: d("0.5"), Close: d("0.4"), OpenTime: now},
	})
	if err != nil {
		t.Fatalf("UpdateFromCandles() error = %v", err)
	}
	if !f.a.Valuation().Equal(d("1.2")) || !f.a.Trending().Equal(d("0.2")) {
		t.Fatalf("A valuation/trending = %s/%s, want 1.2/0.2", f.a.Valuation(), f.a.Trending())
	}
	if !f.b.Trending().Equal(d("-0.1")) {
		t.Fatalf("B trending = %s, want -0.1", f.b.Trending())
	}
	if err := f.universe.UpdateFromCandles([]core.Candle{{Market: "ZZZUSDT"}}); err == nil {
		t.Fatalf("UpdateFromCandles(unknown) error = nil")
	}
	if got := f.universe.Markets(); len(got) != 3 || got[0] != "AUSDT" {
		t.Fatalf("Markets() = %v", got)
	}
}

func TestNewAssetValidation(t *testing.T) {
	if _, err := NewAsset(nil, d("1")); !errors.Is(err, core.ErrInvalidAsset) {
		t.Fatalf("NewAsset(nil) error = %v, want ErrInvalidAsset", err)
	}
	var ia *core.InvalidAssetError
	_, err := ParseAsset(NewAltCoin("A"), "NaN")
	if !errors.As(err, &ia) || ia.Field != "balance" {
		t.Fatalf("ParseAsset(NaN) error = %v, want balance InvalidAssetError", err)
	}
	if _, err := NewAsset(NewAltCoin("A"), d("-1")); !errors.Is(err, core.ErrInvalidAsset) {
		t.Fatalf("NewAsset(-1) error = %v, want ErrInvalidAsset", err)
	}
	if _, err := NewAssetFromFloat(NewAltCoin("A"), math.NaN()); !errors.Is(err, core.ErrInvalidAsset) {
		t.Fatalf("NewAssetFromFloat(NaN) error = %v, want ErrInvalidAsset", err)
	}
	if _, err := NewAssetFromFloat(NewAltCoin("A"), math.Inf(1)); !errors.Is(err, core.ErrInvalidAsset) {
		t.Fatalf("NewAssetFromFloat(+Inf) error = %v, want ErrInvalidAsset", err)
	}
	a, err := ParseAsset(NewBridge("USDT"), "12.5")
	if err != nil {
		t.Fatalf("ParseAsset() error = %v", err)
	}
	if !a.IsBridge() || !a.Value().Equal(d("12.5")) {
		t.Fatalf("bridge asset value = %s, want 12.5", a.Value())
	}
}
