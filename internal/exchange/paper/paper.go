// Package paper fills orders against a local wallet while reading market data
// from a live source.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/core"
	"bridge-rotation/internal/exchange"
)

var log = logrus.WithField("component", "paper")

var _ exchange.Broker = (*Broker)(nil)

type Broker struct {
	exchange.MarketData

	mu       sync.Mutex
	feeRate  decimal.Decimal
	wallet   map[string]decimal.Decimal
	feePaid  map[string]decimal.Decimal
	orders   map[string]core.OrderResult
	orderSeq int
	now      func() time.Time
}

func New(market exchange.MarketData, balances map[string]decimal.Decimal, feeRate decimal.Decimal) (*Broker, error) {
	if market == nil {
		return nil, errors.New("market data source is required")
	}
	if feeRate.Cmp(decimal.Zero) < 0 || feeRate.Cmp(decimal.NewFromInt(1)) >= 0 {
		return nil, errors.New("fee rate must be in [0, 1)")
	}
	wallet := make(map[string]decimal.Decimal, len(balances))
	for asset, qty := range balances {
		if qty.Cmp(decimal.Zero) < 0 {
			return nil, fmt.Errorf("initial balance for %s must be >= 0", asset)
		}
		wallet[strings.ToUpper(asset)] = qty
	}
	return &Broker{
		MarketData: market,
		feeRate:    feeRate,
		wallet:     wallet,
		feePaid:    make(map[string]decimal.Decimal),
		orders:     make(map[string]core.OrderResult),
		now:        time.Now,
	}, nil
}

func (b *Broker) Name() string { return "paper" }

func (b *Broker) Account(ctx context.Context) ([]core.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Balance, 0, len(b.wallet))
	for asset, qty := range b.wallet {
		if qty.IsZero() {
			continue
		}
		out = append(out, core.Balance{Asset: asset, Free: qty, Locked: decimal.Zero})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// FeesPaid reports accumulated fees per asset.
func (b *Broker) FeesPaid() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(b.feePaid))
	for k, v := range b.feePaid {
		out[k] = v
	}
	return out
}

func (b *Broker) Buy(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	return b.fill(ctx, market, core.Buy, qty, price, flags)
}

func (b *Broker) Sell(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	return b.fill(ctx, market, core.Sell, qty, price, flags)
}

func (b *Broker) OrderStatus(ctx context.Context, market, orderID string) (core.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.orders[orderID]
	if !ok || res.Symbol != market {
		return core.OrderResult{}, errors.Join(core.ErrExchangeRejection, core.ErrOrderNotFound)
	}
	return res, nil
}

// fill executes the whole quantity at once. Fees come out of the received asset
// and are reported as the order commission; quantities stay gross like the
// exchange reports them.
func (b *Broker) fill(ctx context.Context, market string, side core.Side, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	infos, err := b.MarketData.ExchangeInfo(ctx, market)
	if err != nil {
		return core.OrderResult{}, err
	}
	info, ok := infos[market]
	if !ok {
		return core.OrderResult{}, fmt.Errorf("unknown market %s", market)
	}
	orderType := flags.Type
	if orderType == "" {
		orderType = core.Limit
	}
	if orderType == core.Market || price.Cmp(decimal.Zero) <= 0 {
		price, err = b.MarketData.Price(ctx, market)
		if err != nil {
			return core.OrderResult{}, err
		}
	}
	order, err := core.NormalizeOrder(core.Order{
		Symbol: market,
		Side:   side,
		Type:   orderType,
		Price:  price,
		Qty:    qty,
	}, info.Rules)
	if err != nil {
		return core.OrderResult{}, errors.Join(core.ErrExchangeRejection, core.ErrOrderRejected, err)
	}
	if !order.Qty.Equal(qty) {
		return core.OrderResult{}, errors.Join(core.ErrExchangeRejection, core.ErrOrderRejected,
			fmt.Errorf("quantity %s does not match step %s", qty, info.Rules.QtyStep))
	}

	notional := order.Qty.Mul(order.Price)
	b.mu.Lock()
	defer b.mu.Unlock()

	spendAsset, spendQty := info.QuoteAsset, notional
	gainAsset, gainQty := info.BaseAsset, order.Qty
	if side == core.Sell {
		spendAsset, spendQty = info.BaseAsset, order.Qty
		gainAsset, gainQty = info.QuoteAsset, notional
	}
	if b.wallet[spendAsset].Cmp(spendQty) < 0 {
		return core.OrderResult{}, errors.Join(core.ErrExchangeRejection, core.ErrInsufficientBalance,
			fmt.Errorf("%s balance %s < %s", spendAsset, b.wallet[spendAsset], spendQty))
	}
	fee := gainQty.Mul(b.feeRate)
	b.wallet[spendAsset] = b.wallet[spendAsset].Sub(spendQty)
	b.wallet[gainAsset] = b.wallet[gainAsset].Add(gainQty.Sub(fee))
	b.feePaid[gainAsset] = b.feePaid[gainAsset].Add(fee)

	b.orderSeq++
	res := core.OrderResult{
		OrderID:            fmt.Sprintf("paper-%d", b.orderSeq),
		ClientID:           flags.ClientID,
		Symbol:             market,
		Side:               side,
		Status:             core.OrderFilled,
		Price:              order.Price,
		OrigQty:            order.Qty,
		ExecutedQty:        order.Qty,
		CumulativeQuoteQty: notional,
		Commission:         fee,
		UpdatedAt:          b.now().UTC(),
	}
	b.orders[res.OrderID] = res
	log.WithFields(logrus.Fields{
		"event":    "paper_fill",
		"market":   market,
		"side":     side,
		"qty":      order.Qty.String(),
		"price":    order.Price.String(),
		"fee":      fee.String(),
		"fee_coin": gainAsset,
	}).Info("paper order filled")
	return res, nil
}
