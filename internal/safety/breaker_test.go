package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/alert"
	"bridge-rotation/internal/core"
	"bridge-rotation/internal/exchange"
)

type alertSpy struct {
	events []alert.Event
}

func (a *alertSpy) Raise(ev alert.Event) { a.events = append(a.events, ev) }

func TestBreakerPlaceAlertsNameTheCircuit(t *testing.T) {
	b := NewBreaker(true, 3, 5, 5)
	spy := &alertSpy{}
	b.SetAlerter(spy)

	cause := errors.New("insufficient balance")
	for i := 0; i < 3; i++ {
		_ = b.RecordPlace(cause)
	}

	if len(spy.events) != 2 {
		t.Fatalf("alerts = %+v, want near trip then trip", spy.events)
	}
	near, trip := spy.events[0], spy.events[1]
	if near.Kind != alert.CircuitNearTrip || near.Circuit != ActionPlace || near.Detail["consecutive_failures"] != "2" {
		t.Fatalf("near trip alert = %+v", near)
	}
	if trip.Kind != alert.CircuitTrip || trip.Circuit != ActionPlace || !errors.Is(trip.Err, cause) || trip.Detail["threshold"] != "3" {
		t.Fatalf("trip alert = %+v", trip)
	}
}

func TestBreakerReconnectHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(true, 5, 5, 2)
	b.SetRecovery(120*time.Millisecond, 1)

	if err := b.RecordReconnect(errors.New("dial failed 1")); err != nil {
		t.Fatalf("RecordReconnect(first) error = %v, want nil", err)
	}
	tripErr := b.RecordReconnect(errors.New("dial failed 2"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(second) error = %v, want ErrCircuitOpen", tripErr)
	}

	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() error = %v, want ErrCircuitOpen while cooling down", err)
	}
	if rem := b.ReconnectCooldownRemaining(); rem <= 0 {
		t.Fatalf("ReconnectCooldownRemaining() = %s, want > 0", rem)
	}

	time.Sleep(150 * time.Millisecond)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect(after cooldown) error = %v, want nil", err)
	}
	if err := b.RecordReconnect(nil); err != nil {
		t.Fatalf("RecordReconnect(success probe) error = %v, want nil", err)
	}
	if rem := b.ReconnectCooldownRemaining(); rem != 0 {
		t.Fatalf("ReconnectCooldownRemaining() = %s, want 0 after recovery", rem)
	}
}

func TestBreakerReconnectHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(true, 5, 5, 1)
	b.SetRecovery(120*time.Millisecond, 1)

	tripErr := b.RecordReconnect(errors.New("dial failed"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(trip) error = %v, want ErrCircuitOpen", tripErr)
	}

	time.Sleep(150 * time.Millisecond)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect(after cooldown) error = %v, want nil", err)
	}
	tripErr = b.RecordReconnect(errors.New("probe failed"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(half-open failure) error = %v, want ErrCircuitOpen", tripErr)
	}

	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() error = %v, want ErrCircuitOpen after re-open", err)
	}
}

func TestBreakerPollRecoversOnNextSuccess(t *testing.T) {
	b := NewBreaker(true, 5, 2, 5)
	_ = b.RecordPoll(errors.New("timeout"))
	if err := b.RecordPoll(errors.New("timeout")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordPoll(second) error = %v, want ErrCircuitOpen", err)
	}
	if got := b.States()[ActionPoll]; got != "open" {
		t.Fatalf("poll state = %q, want open", got)
	}
	if err := b.RecordPoll(nil); err != nil {
		t.Fatalf("RecordPoll(nil) error = %v", err)
	}
	if got := b.States()[ActionPoll]; got != "closed" {
		t.Fatalf("poll state = %q, want closed after success", got)
	}
}

func TestBreakerDisabledIsTransparent(t *testing.T) {
	b := NewBreaker(false, 1, 1, 1)
	if err := b.RecordPlace(errors.New("boom")); err != nil {
		t.Fatalf("RecordPlace() error = %v, want nil when disabled", err)
	}
	if err := b.AllowPlace(); err != nil {
		t.Fatalf("AllowPlace() error = %v, want nil when disabled", err)
	}
	if b.States() != nil {
		t.Fatalf("States() = %v, want nil when disabled", b.States())
	}
	var nilBreaker *Breaker
	if err := nilBreaker.AllowPlace(); err != nil {
		t.Fatalf("nil AllowPlace() error = %v", err)
	}
}

type stubBroker struct {
	exchange.Broker
	placeErr error
	calls    int
}

func (s *stubBroker) Buy(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	s.calls++
	if s.placeErr != nil {
		return core.OrderResult{}, s.placeErr
	}
	return core.OrderResult{OrderID: "1", Symbol: market, Side: core.Buy, Status: core.OrderNew}, nil
}

func (s *stubBroker) Sell(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	return s.Buy(ctx, market, qty, price, flags)
}

func TestGuardedBrokerFailsFastWhenPlaceCircuitOpen(t *testing.T) {
	inner := &stubBroker{placeErr: errors.New("rejected")}
	b := NewBreaker(true, 2, 5, 5)
	b.SetRecovery(time.Hour, 1)
	g := NewGuardedBroker(inner, b)
	ctx := context.Background()
	one := decimal.NewFromInt(1)

	if _, err := g.Buy(ctx, "XLMUSDT", one, one, core.OrderFlags{}); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("first Buy() error = %v, want inner error", err)
	}
	if _, err := g.Sell(ctx, "XLMUSDT", one, one, core.OrderFlags{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Sell() error = %v, want ErrCircuitOpen", err)
	}
	inner.placeErr = nil
	if _, err := g.Buy(ctx, "XLMUSDT", one, one, core.OrderFlags{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Buy() while open error = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2 (open circuit must not reach the exchange)", inner.calls)
	}
}

func TestGuardedBrokerPlaceHalfOpenProbe(t *testing.T) {
	inner := &stubBroker{placeErr: errors.New("rejected")}
	b := NewBreaker(true, 1, 5, 5)
	b.SetRecovery(50*time.Millisecond, 1)
	g := NewGuardedBroker(inner, b)
	ctx := context.Background()
	one := decimal.NewFromInt(1)

	if _, err := g.Buy(ctx, "XLMUSDT", one, one, core.OrderFlags{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Buy() error = %v, want ErrCircuitOpen", err)
	}
	time.Sleep(80 * time.Millisecond)
	inner.placeErr = nil
	res, err := g.Buy(ctx, "XLMUSDT", one, one, core.OrderFlags{})
	if err != nil || res.OrderID != "1" {
		t.Fatalf("probe Buy() = %+v, %v", res, err)
	}
	if got := b.States()[ActionPlace]; got != "closed" {
		t.Fatalf("place state = %q, want closed", got)
	}
}
