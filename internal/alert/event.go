package alert

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind names what went wrong.
type Kind string

const (
	OperationAborted    Kind = "operation_aborted"
	PlacementFailed     Kind = "order_placement_failed"
	LegsUnresolved      Kind = "legs_unresolved"
	TickersFailed       Kind = "tickers_start_failed"
	StreamDown          Kind = "kline_stream_down"
	InsufficientBalance Kind = "order_rejected_insufficient_balance"
	CircuitTrip         Kind = "circuit_breaker_trip"
	CircuitNearTrip     Kind = "circuit_breaker_near_trip"
	CircuitHalfOpen     Kind = "circuit_breaker_half_open"
	CircuitRecovered    Kind = "circuit_breaker_recovered"
)

// Critical kinds are never throttled.
func (k Kind) Critical() bool {
	switch k {
	case OperationAborted, LegsUnresolved, CircuitTrip:
		return true
	}
	return false
}

// Event carries the rotation context of an alert. Zero fields are omitted
// from the rendered message.
type Event struct {
	Kind        Kind
	OperationID string
	LegID       string
	Market      string
	Side        string
	Source      string
	Target      string
	Amount      decimal.Decimal
	RatioGrowth decimal.Decimal
	// Circuit names the breaker circuit for breaker kinds.
	Circuit string
	Err     error
	Detail  map[string]string
}

// subject groups repeats of the same problem for throttling.
func (e Event) subject() string {
	parts := []string{string(e.Kind)}
	switch {
	case e.Circuit != "":
		parts = append(parts, e.Circuit)
	case e.Market != "":
		parts = append(parts, e.Market, e.Side)
	case e.Source != "":
		parts = append(parts, e.Source+">"+e.Target)
	}
	return strings.Join(parts, "|")
}

func (e Event) lines() []string {
	var out []string
	add := func(k, v string) {
		if v != "" {
			out = append(out, k+": "+v)
		}
	}
	add("operation", e.OperationID)
	add("leg", e.LegID)
	if e.Source != "" || e.Target != "" {
		add("route", e.Source+" -> "+e.Target)
	}
	if e.Market != "" {
		add("market", strings.TrimSpace(e.Market+" "+e.Side))
	}
	if !e.Amount.IsZero() {
		add("amount", e.Amount.String())
	}
	if !e.RatioGrowth.IsZero() {
		add("ratio_growth", e.RatioGrowth.StringFixed(6))
	}
	add("circuit", e.Circuit)
	if e.Err != nil {
		add("error", e.Err.Error())
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, e.Detail[k])
	}
	return out
}
