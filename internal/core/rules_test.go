package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeOrderLimitRoundsPriceAndQty(t *testing.T) {
	order := Order{
		Symbol: "XLMUSDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("0.123456"),
		Qty:    decimal.RequireFromString("120.37"),
	}
	rules := Rules{
		MinQty:      decimal.RequireFromString("1"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.0001"),
		QtyStep:     decimal.RequireFromString("0.1"),
	}

	got, err := NormalizeOrder(order, rules)
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("0.1234")) {
		t.Fatalf("NormalizeOrder() price = %s, want 0.1234", got.Price)
	}
	if !got.Qty.Equal(decimal.RequireFromString("120.3")) {
		t.Fatalf("NormalizeOrder() qty = %s, want 120.3", got.Qty)
	}
}

func TestNormalizeOrderQtyBounds(t *testing.T) {
	rules := Rules{
		MinQty: decimal.RequireFromString("1"),
		MaxQty: decimal.RequireFromString("100"),
	}
	low := Order{Type: Limit, Price: decimal.NewFromInt(1), Qty: decimal.RequireFromString("0.5")}
	if _, err := NormalizeOrder(low, rules); !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder(low) error = %v, want %v", err, ErrBelowMinQty)
	}
	high := Order{Type: Limit, Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(101)}
	if _, err := NormalizeOrder(high, rules); !errors.Is(err, ErrAboveMaxQty) {
		t.Fatalf("NormalizeOrder(high) error = %v, want %v", err, ErrAboveMaxQty)
	}
}

func TestNormalizeOrderLimitBelowMinNotional(t *testing.T) {
	order := Order{
		Type:  Limit,
		Price: decimal.RequireFromString("0.5"),
		Qty:   decimal.RequireFromString("10"),
	}
	rules := Rules{MinNotional: decimal.RequireFromString("10")}

	if _, err := NormalizeOrder(order, rules); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestNormalizeOrderMarketWithoutPrice(t *testing.T) {
	order := Order{Type: Market, Qty: decimal.RequireFromString("3")}
	rules := Rules{MinNotional: decimal.RequireFromString("10")}
	if _, err := NormalizeOrder(order, rules); err != nil {
		t.Fatalf("NormalizeOrder(market) error = %v, want nil", err)
	}
}

func TestStepToPrecision(t *testing.T) {
	cases := map[string]int32{
		"0.00100000": 3,
		"0.1":        1,
		"1.00000000": 0,
		"10":         0,
		"0.00000001": 8,
		"0":          0,
	}
	for in, want := range cases {
		if got := StepToPrecision(decimal.RequireFromString(in)); got != want {
			t.Fatalf("StepToPrecision(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderCanceled, OrderRejected, OrderExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", s)
		}
	}
	open := []OrderStatus{OrderNew, OrderPartiallyFilled, OrderPendingCancel}
	for _, s := range open {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestOrderResultAvgPrice(t *testing.T) {
	r := OrderResult{
		Price:              decimal.RequireFromString("2"),
		ExecutedQty:        decimal.RequireFromString("4"),
		CumulativeQuoteQty: decimal.RequireFromString("7"),
	}
	if got := r.AvgPrice(); !got.Equal(decimal.RequireFromString("1.75")) {
		t.Fatalf("AvgPrice() = %s, want 1.75", got)
	}
	r.ExecutedQty = decimal.Zero
	if got := r.AvgPrice(); !got.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("AvgPrice(unfilled) = %s, want 2", got)
	}
}

func TestFilterViolationIs(t *testing.T) {
	var err error = &FilterViolation{Coin: "XLM", Filter: FilterMinQty}
	if !errors.Is(err, ErrFilterViolation) {
		t.Fatalf("errors.Is(FilterViolation, ErrFilterViolation) = false")
	}
	var fv *FilterViolation
	if !errors.As(err, &fv) || fv.Filter != FilterMinQty {
		t.Fatalf("errors.As() filter = %v, want %s", fv, FilterMinQty)
	}
	err = &InvalidAssetError{Field: "coin", Reason: "nil"}
	if !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("errors.Is(InvalidAssetError, ErrInvalidAsset) = false")
	}
}
