package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

// CandleHandler receives every kline event for the subscribed markets. It is
// called from the stream goroutine and must not block for long.
type CandleHandler func(core.Candle)

// MarketData is the read side of a broker.
type MarketData interface {
	Name() string
	Prices(ctx context.Context) (map[string]decimal.Decimal, error)
	Price(ctx context.Context, market string) (decimal.Decimal, error)
	ExchangeInfo(ctx context.Context, markets ...string) (map[string]core.SymbolInfo, error)
	AllPairs(ctx context.Context) ([]core.SymbolInfo, error)
	Candlesticks(ctx context.Context, markets []string, interval string, handler CandleHandler) error
	CloseWebSockets()
}

// Broker is everything the rotation engine needs from one account.
type Broker interface {
	MarketData
	Account(ctx context.Context) ([]core.Balance, error)
	Buy(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error)
	Sell(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error)
	OrderStatus(ctx context.Context, market, orderID string) (core.OrderResult, error)
}
