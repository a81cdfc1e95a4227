package main

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/config"
	"bridge-rotation/internal/core"
	"bridge-rotation/internal/exchange/binance"
	"bridge-rotation/internal/replay"
)

func TestResolveWindowDateOnlyIsInclusive(t *testing.T) {
	start, end, err := resolveWindow(0, "2024-01-01", "2024-01-02", time.Time{})
	if err != nil {
		t.Fatalf("resolveWindow() error = %v", err)
	}
	if !start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("resolveWindow() = %s..%s", start, end)
	}
}

func TestResolveWindowDefaultsAndErrors(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	start, end, err := resolveWindow(3, "", "", now)
	if err != nil {
		t.Fatalf("resolveWindow() error = %v", err)
	}
	if !end.Equal(now) || !start.Equal(now.AddDate(0, 0, -3)) {
		t.Fatalf("resolveWindow() = %s..%s", start, end)
	}
	if _, _, err := resolveWindow(0, "", "", now); err == nil {
		t.Fatalf("resolveWindow(days=0) error = nil")
	}
	if _, _, err := resolveWindow(1, "2024-01-01", "", now); err == nil {
		t.Fatalf("resolveWindow(start only) error = nil")
	}
	if _, _, err := resolveWindow(1, "2024-01-02T00:00:00Z", "2024-01-01T00:00:00Z", now); err == nil {
		t.Fatalf("resolveWindow(reversed) error = nil")
	}
}

type pagedKlines struct {
	candles []core.Candle
	page    int
	calls   int
}

func (p *pagedKlines) Klines(ctx context.Context, market, interval string, start, end time.Time, limit int) ([]core.Candle, error) {
	p.calls++
	var out []core.Candle
	for _, c := range p.candles {
		if c.OpenTime.Before(start) || !c.OpenTime.Before(end) {
			continue
		}
		out = append(out, c)
		if len(out) == p.page {
			break
		}
	}
	return out, nil
}

func TestDownloadKlinesPagesUntilEnd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var candles []core.Candle
	for i := 0; i < 5; i++ {
		px := decimal.NewFromInt(int64(i + 1))
		candles = append(candles, core.Candle{
			Market: "XLMUSDT", Interval: "1m",
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     px, High: px, Low: px, Close: px, Volume: decimal.Zero,
		})
	}
	src := &pagedKlines{candles: candles, page: 2}
	root := t.TempDir()
	n, err := downloadKlines(context.Background(), src, root, "XLMUSDT", "1m", start, start.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("downloadKlines() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("downloadKlines() = %d, want 4", n)
	}

	feed, err := replay.NewCandleFeed(replay.MarketDir(root, "XLMUSDT", "1m"), "XLMUSDT", "1m")
	if err != nil {
		t.Fatalf("NewCandleFeed() error = %v", err)
	}
	defer feed.Close()
	count := 0
	for {
		c, err := feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		count++
		if !c.Close.Equal(decimal.NewFromInt(int64(count))) {
			t.Fatalf("candle %d close = %s", count, c.Close)
		}
	}
	if count != 4 {
		t.Fatalf("read %d candles, want 4", count)
	}
}

func TestBuildBrokerByMode(t *testing.T) {
	client := binance.NewClientWithOptions(binance.Options{RestBaseURL: "http://127.0.0.1:1"})
	cfg := config.Config{
		Mode: config.ModePaper,
		Paper: config.PaperConfig{
			FeeRate:         config.NewDecimal(decimal.RequireFromString("0.001")),
			InitialBalances: map[string]config.Decimal{"USDT": config.NewDecimal(decimal.NewFromInt(100))},
		},
	}
	b, finished, err := buildBroker(cfg, client)
	if err != nil {
		t.Fatalf("buildBroker(paper) error = %v", err)
	}
	if b.Name() != "paper" || finished != nil {
		t.Fatalf("buildBroker(paper) = %s, finished=%v", b.Name(), finished)
	}
	bal, err := b.Account(context.Background())
	if err != nil || len(bal) != 1 || !bal[0].Free.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("paper Account() = %v, %v", bal, err)
	}

	cfg.Mode = config.ModeLive
	b, _, err = buildBroker(cfg, client)
	if err != nil || b.Name() != "binance" {
		t.Fatalf("buildBroker(live) = %v, %v", b, err)
	}

	cfg.Mode = config.ModeReplay
	cfg.Replay.DataDir = t.TempDir()
	cfg.Engine.CandleInterval = "1m"
	b, finished, err = buildBroker(cfg, client)
	if err != nil {
		t.Fatalf("buildBroker(replay) error = %v", err)
	}
	if b.Name() != "paper" || finished == nil {
		t.Fatalf("buildBroker(replay) = %s, finished=%v", b.Name(), finished)
	}
}

func TestStateLayout(t *testing.T) {
	cfg := config.Config{Mode: config.ModeTestnet, Bridge: "USDT", InstanceID: "a1", State: config.StateConfig{Dir: "state", LedgerPath: "ledger.db"}}
	dir := stateDirFor(cfg)
	if want := filepath.Join("state", "testnet", "USDT", "a1"); dir != want {
		t.Fatalf("stateDirFor() = %s, want %s", dir, want)
	}
	if got := ledgerPathFor(cfg, dir); got != filepath.Join(dir, "ledger.db") {
		t.Fatalf("ledgerPathFor() = %s", got)
	}
	cfg.State.LedgerPath = "/var/lib/rotator/ledger.db"
	if got := ledgerPathFor(cfg, dir); got != cfg.State.LedgerPath {
		t.Fatalf("ledgerPathFor(abs) = %s", got)
	}
}
