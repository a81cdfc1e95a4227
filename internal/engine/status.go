package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

type AssetStatus struct {
	Coin    string          `json:"coin"`
	Balance decimal.Decimal `json:"balance"`
}

type LegStatus struct {
	ID      string           `json:"id"`
	Market  string           `json:"market"`
	Side    core.Side        `json:"side"`
	From    string           `json:"from"`
	To      string           `json:"to"`
	Amount  decimal.Decimal  `json:"amount"`
	Status  core.OrderStatus `json:"status"`
	OrderID string           `json:"order_id,omitempty"`
}

type OperationStatus struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Amount      decimal.Decimal `json:"amount"`
	RatioGrowth decimal.Decimal `json:"ratio_growth"`
	Direct      bool            `json:"direct"`
	StartedAt   time.Time       `json:"started_at"`
	Legs        []LegStatus     `json:"legs"`
}

// Status is a point-in-time copy of the runner, safe to hand out.
type Status struct {
	Mode            string            `json:"mode"`
	InstanceID      string            `json:"instance_id"`
	Bridge          string            `json:"bridge"`
	Tickers         bool              `json:"tickers"`
	StartedAt       time.Time         `json:"started_at"`
	LastTickAt      *time.Time        `json:"last_tick_at,omitempty"`
	PortfolioValue  decimal.Decimal   `json:"portfolio_value"`
	Assets          []AssetStatus     `json:"assets"`
	Operations      []OperationStatus `json:"operations"`
	PendingLegs     int               `json:"pending_legs"`
	Excluded        []string          `json:"excluded"`
	CircuitBreakers map[string]string `json:"circuit_breakers,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
}

func (r *Runner) snapshot() Status {
	tr := r.opts.Trader
	s := Status{
		Mode:           r.opts.Mode,
		InstanceID:     r.opts.InstanceID,
		Bridge:         tr.BridgeAsset().Code(),
		Tickers:        r.tickers,
		StartedAt:      r.startedAt,
		PortfolioValue: tr.PortfolioValue(),
		Excluded:       tr.Excluded(),
	}
	if !r.lastTickAt.IsZero() {
		t := r.lastTickAt
		s.LastTickAt = &t
	}
	for _, a := range tr.Assets() {
		s.Assets = append(s.Assets, AssetStatus{Coin: a.Coin, Balance: a.Balance})
	}
	for _, op := range tr.Active() {
		opStatus := OperationStatus{
			ID:          op.ID(),
			Source:      op.Source().Code,
			Target:      op.Target().Code,
			Amount:      op.Amount(),
			RatioGrowth: op.RatioGrowth(),
			Direct:      op.Direct(),
			StartedAt:   op.StartedAt(),
		}
		for _, leg := range op.Legs() {
			opStatus.Legs = append(opStatus.Legs, LegStatus{
				ID:      leg.ID(),
				Market:  leg.Market(),
				Side:    leg.Side(),
				From:    leg.From().Code,
				To:      leg.To().Code,
				Amount:  leg.Amount(),
				Status:  leg.Status(),
				OrderID: leg.OrderID(),
			})
		}
		s.Operations = append(s.Operations, opStatus)
	}
	sort.Slice(s.Operations, func(i, j int) bool { return s.Operations[i].Source < s.Operations[j].Source })
	for _, st := range r.legs {
		if !st.placing {
			s.PendingLegs++
		}
	}
	if r.opts.Breaker != nil {
		s.CircuitBreakers = r.opts.Breaker.States()
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}
