package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

func TestNewTradeDerivesSide(t *testing.T) {
	f := newFixture(t)
	if err := Link(f.a, f.b, f.b, f.a); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	cases := []struct {
		name       string
		from, to   *Coin
		side       core.Side
		market     string
		direct     bool
		fromBridge bool
	}{
		{name: "buy from bridge", from: f.bridge, to: f.c, side: core.Buy, market: "CUSDT", fromBridge: true},
		{name: "sell into bridge", from: f.c, to: f.bridge, side: core.Sell, market: "CUSDT"},
		{name: "direct sell base", from: f.b, to: f.a, side: core.Sell, market: "BA", direct: true},
		{name: "direct buy base", from: f.a, to: f.b, side: core.Buy, market: "BA", direct: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := NewTrade(tc.from, tc.to, d("10"))
			if err != nil {
				t.Fatalf("NewTrade() error = %v", err)
			}
			if tr.Side() != tc.side || tr.Market() != tc.market || tr.Direct() != tc.direct || tr.FromBridge() != tc.fromBridge {
				t.Fatalf("NewTrade() = side %s market %s direct %v, want %s %s %v", tr.Side(), tr.Market(), tr.Direct(), tc.side, tc.market, tc.direct)
			}
			if tr.Status() != core.OrderNew || tr.ID() == "" {
				t.Fatalf("NewTrade() status = %s id = %q", tr.Status(), tr.ID())
			}
		})
	}
}

func TestNewTradeWithoutMarket(t *testing.T) {
	f := newFixture(t)
	if _, err := NewTrade(f.a, f.c, d("1")); !errors.Is(err, core.ErrNoMarket) {
		t.Fatalf("NewTrade(A, C) error = %v, want ErrNoMarket", err)
	}
	if _, err := NewTrade(f.a, f.a, d("1")); err == nil {
		t.Fatalf("NewTrade(A, A) error = nil")
	}
}

func TestTradeFillOrientation(t *testing.T) {
	f := newFixture(t)
	if err := Link(f.a, f.b, f.b, f.a); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	sell, _ := NewTrade(f.b, f.a, d("10"))
	fill, p := sell.Update(filled("-10", "20", "2"))
	if p != ProgressFilled {
		t.Fatalf("Update() progress = %s, want filled", p)
	}
	if !fill.From.Equal(d("-10")) || !fill.To.Equal(d("20")) {
		t.Fatalf("sell fill = %s -> %s, want -10 -> 20", fill.From, fill.To)
	}

	// A -> B buys base B with quote A
	buy, _ := NewTrade(f.a, f.b, d("10"))
	fill, _ = buy.Update(filled("20", "-10", "0.5"))
	if !fill.From.Equal(d("-10")) || !fill.To.Equal(d("20")) {
		t.Fatalf("buy fill = %s -> %s, want -10 -> 20", fill.From, fill.To)
	}
	if !fill.Price.Equal(d("0.5")) || !buy.ExecutedPrice().Equal(d("0.5")) {
		t.Fatalf("buy fill price = %s, want 0.5", fill.Price)
	}
}

func TestTradeUpdateProgress(t *testing.T) {
	f := newFixture(t)
	tr, _ := NewTrade(f.a, f.bridge, d("10"))

	partial := OrderUpdate{OrderID: "42", Status: core.OrderPartiallyFilled, Executed: Executed{Base: d("-3"), Quote: d("3")}}
	if _, p := tr.Update(partial); p != ProgressOpen {
		t.Fatalf("Update(PARTIALLY_FILLED) = %s, want open", p)
	}
	if tr.OrderID() != "42" || tr.Terminal() {
		t.Fatalf("after partial: order id %q terminal %v", tr.OrderID(), tr.Terminal())
	}
	if _, p := tr.Update(CanceledUpdate()); p != ProgressDead {
		t.Fatalf("Update(CANCELED) = %s, want dead", p)
	}
	if tr.OrderID() != "42" {
		t.Fatalf("CanceledUpdate() cleared order id, got %q", tr.OrderID())
	}
	if _, p := tr.Update(filled("-10", "10", "1")); p != ProgressIgnored {
		t.Fatalf("Update after terminal = %s, want ignored", p)
	}
	if tr.Status() != core.OrderCanceled {
		t.Fatalf("Status() = %s, want CANCELED", tr.Status())
	}
}

func TestUpdateFromOrderSigns(t *testing.T) {
	r := core.OrderResult{
		OrderID:            "7",
		Status:             core.OrderFilled,
		ExecutedQty:        d("4"),
		CumulativeQuoteQty: d("10"),
	}
	buy := UpdateFromOrder(core.Buy, r)
	if !buy.Executed.Base.Equal(d("4")) || !buy.Executed.Quote.Equal(d("-10")) {
		t.Fatalf("BUY executed = %+v, want +4/-10", buy.Executed)
	}
	sell := UpdateFromOrder(core.Sell, r)
	if !sell.Executed.Base.Equal(d("-4")) || !sell.Executed.Quote.Equal(d("10")) {
		t.Fatalf("SELL executed = %+v, want -4/+10", sell.Executed)
	}
	if !sell.Price.Equal(d("2.5")) || sell.OrderID != "7" {
		t.Fatalf("SELL price = %s id = %q, want 2.5 and 7", sell.Price, sell.OrderID)
	}
}

func TestUpdateFromOrderNetsCommission(t *testing.T) {
	r := core.OrderResult{
		Status:             core.OrderFilled,
		ExecutedQty:        d("25"),
		CumulativeQuoteQty: d("12.5"),
		Commission:         d("0.0125"),
	}
	sell := UpdateFromOrder(core.Sell, r)
	if !sell.Executed.Base.Equal(d("-25")) || !sell.Executed.Quote.Equal(d("12.4875")) {
		t.Fatalf("SELL executed = %+v, want -25/+12.4875", sell.Executed)
	}
	if !sell.Price.Equal(d("0.5")) {
		t.Fatalf("SELL price = %s, want gross 0.5", sell.Price)
	}

	r.Commission = d("0.025")
	buy := UpdateFromOrder(core.Buy, r)
	if !buy.Executed.Base.Equal(d("24.975")) || !buy.Executed.Quote.Equal(d("-12.5")) {
		t.Fatalf("BUY executed = %+v, want +24.975/-12.5", buy.Executed)
	}
}

func TestOrderQuantity(t *testing.T) {
	f := newFixture(t)
	f.c.SetFilters(Filters{Quantity: ValueFilter{Min: d("0.01"), Precision: 2}, MinNotional: d("1")})

	buy, _ := NewTrade(f.bridge, f.c, d("10"))
	qty, err := buy.OrderQuantity(d("3"))
	if err != nil {
		t.Fatalf("OrderQuantity() error = %v", err)
	}
	if !qty.Equal(d("3.33")) {
		t.Fatalf("BUY OrderQuantity() = %s, want 3.33", qty)
	}
	if _, err := buy.OrderQuantity(decimal.Zero); !errors.Is(err, core.ErrInvalidOrder) {
		t.Fatalf("OrderQuantity(0) error = %v, want ErrInvalidOrder", err)
	}

	sell, _ := NewTrade(f.c, f.bridge, d("1.999"))
	qty, err = sell.OrderQuantity(d("2"))
	if err != nil || !qty.Equal(d("1.99")) {
		t.Fatalf("SELL OrderQuantity() = %s, %v, want 1.99", qty, err)
	}

	tiny, _ := NewTrade(f.c, f.bridge, d("0.3"))
	if _, err := tiny.OrderQuantity(d("2")); !errors.Is(err, core.ErrFilterViolation) {
		t.Fatalf("OrderQuantity(below notional) error = %v, want ErrFilterViolation", err)
	}
}

func TestLegOrderSnapshotsFilters(t *testing.T) {
	f := newFixture(t)
	f.c.SetFilters(Filters{Quantity: ValueFilter{Min: d("0.01"), Precision: 2}, MinNotional: d("1")})
	sell, _ := NewTrade(f.c, f.bridge, d("0.6"))

	order := sell.Order()
	if order.LegID != sell.ID() || order.Market != "CUSDT" || order.Side != core.Sell {
		t.Fatalf("Order() = %+v", order)
	}
	// C drops to 1: 0.6 is below the notional now, but not for the snapshot.
	f.c.UpdateMarket(d("1"), decimal.Zero)
	if qty, err := order.Quantity(d("2")); err != nil || !qty.Equal(d("0.6")) {
		t.Fatalf("snapshot Quantity() = %s, %v, want 0.6", qty, err)
	}
	if _, err := sell.OrderQuantity(d("2")); !errors.Is(err, core.ErrFilterViolation) {
		t.Fatalf("OrderQuantity() after drop error = %v, want ErrFilterViolation", err)
	}
}
