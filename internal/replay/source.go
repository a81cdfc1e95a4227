package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/core"
	"bridge-rotation/internal/exchange"
)

var log = logrus.WithField("component", "replay")

var _ exchange.MarketData = (*Source)(nil)

var ErrNoMetadata = errors.New("replay source has no metadata provider")

// Source replays <root>/<MARKET>/<interval>/*.jsonl as market data. Prices are
// the close of the last candle streamed per market, or the first recorded
// candle before streaming starts. Symbol metadata comes from meta.
type Source struct {
	meta     exchange.MarketData
	root     string
	interval string
	pace     time.Duration

	mu       sync.Mutex
	last     map[string]decimal.Decimal
	cancels  []context.CancelFunc
	finished chan struct{}
	once     sync.Once
}

func NewSource(meta exchange.MarketData, root, interval string, pace time.Duration) (*Source, error) {
	if root == "" || interval == "" {
		return nil, errors.New("replay data dir and interval are required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("replay data dir %s is not a directory", root)
	}
	return &Source{
		meta:     meta,
		root:     root,
		interval: interval,
		pace:     pace,
		last:     make(map[string]decimal.Decimal),
		finished: make(chan struct{}),
	}, nil
}

func (s *Source) Name() string { return "replay" }

// Finished is closed once any replayed market runs out of candles.
func (s *Source) Finished() <-chan struct{} { return s.finished }

func (s *Source) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		price, err := s.Price(ctx, e.Name())
		if err != nil {
			continue
		}
		out[e.Name()] = price
	}
	return out, nil
}

func (s *Source) Price(ctx context.Context, market string) (decimal.Decimal, error) {
	s.mu.Lock()
	price, ok := s.last[market]
	s.mu.Unlock()
	if ok {
		return price, nil
	}
	feed, err := NewCandleFeed(MarketDir(s.root, market, s.interval), market, s.interval)
	if err != nil {
		return decimal.Zero, fmt.Errorf("replay price %s: %w", market, err)
	}
	defer feed.Close()
	c, err := feed.Next()
	if err != nil {
		return decimal.Zero, fmt.Errorf("replay price %s: %w", market, err)
	}
	return c.Close, nil
}

func (s *Source) ExchangeInfo(ctx context.Context, markets ...string) (map[string]core.SymbolInfo, error) {
	if s.meta == nil {
		return nil, ErrNoMetadata
	}
	return s.meta.ExchangeInfo(ctx, markets...)
}

func (s *Source) AllPairs(ctx context.Context) ([]core.SymbolInfo, error) {
	if s.meta == nil {
		return nil, ErrNoMetadata
	}
	return s.meta.AllPairs(ctx)
}

// Candlesticks streams the recorded candles round by round: one candle of
// every market per round, in the order markets are given.
func (s *Source) Candlesticks(ctx context.Context, markets []string, interval string, handler exchange.CandleHandler) error {
	if len(markets) == 0 {
		return errors.New("at least one market required")
	}
	if handler == nil {
		return errors.New("candle handler required")
	}
	feeds := make([]*CandleFeed, 0, len(markets))
	for _, m := range markets {
		feed, err := NewCandleFeed(MarketDir(s.root, m, interval), m, interval)
		if err != nil {
			for _, f := range feeds {
				_ = f.Close()
			}
			return fmt.Errorf("open replay %s: %w", m, err)
		}
		feeds = append(feeds, feed)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"event":    "replay_started",
		"markets":  len(markets),
		"interval": interval,
		"pace":     s.pace.String(),
	}).Info("replay started")
	go s.stream(streamCtx, feeds, handler)
	return nil
}

func (s *Source) stream(ctx context.Context, feeds []*CandleFeed, handler exchange.CandleHandler) {
	defer func() {
		for _, f := range feeds {
			_ = f.Close()
		}
	}()
	rounds := 0
	for {
		for _, f := range feeds {
			if ctx.Err() != nil {
				return
			}
			c, err := f.Next()
			if err != nil {
				fields := logrus.Fields{"event": "replay_finished", "market": f.market, "rounds": rounds}
				if errors.Is(err, io.EOF) {
					log.WithFields(fields).Info("replay finished")
				} else {
					log.WithFields(fields).WithError(err).Warn("replay stopped on read error")
				}
				s.once.Do(func() { close(s.finished) })
				return
			}
			s.mu.Lock()
			s.last[c.Market] = c.Close
			s.mu.Unlock()
			handler(c)
		}
		rounds++
		if s.pace > 0 && !sleepCtx(ctx, s.pace) {
			return
		}
	}
}

func (s *Source) CloseWebSockets() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
