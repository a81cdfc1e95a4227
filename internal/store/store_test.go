package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/domain"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestRepositoryRuntimeStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	started := time.Now().UTC().Add(-time.Minute)
	tick := time.Now().UTC().Add(-10 * time.Second)
	in := RuntimeStatus{
		Mode:            "testnet",
		Bridge:          "USDT",
		InstanceID:      "bot1",
		PID:             1234,
		State:           "running",
		Tickers:         true,
		StartedAt:       started,
		LastError:       "dial timeout",
		ActiveOps:       1,
		PendingLegs:     2,
		PortfolioValue:  d("123.45"),
		LastTickAt:      &tick,
		CircuitBreakers: map[string]string{"place order": "closed"},
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	out, ok, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if !ok {
		t.Fatalf("LoadRuntimeStatus() ok = false, want true")
	}
	if out.Mode != in.Mode || out.Bridge != in.Bridge || out.InstanceID != in.InstanceID {
		t.Fatalf("LoadRuntimeStatus() mismatch basic fields: got %+v want %+v", out, in)
	}
	if out.State != in.State || out.PID != in.PID || out.ActiveOps != 1 || out.PendingLegs != 2 || !out.Tickers {
		t.Fatalf("LoadRuntimeStatus() mismatch status fields: got %+v want %+v", out, in)
	}
	if !out.PortfolioValue.Equal(d("123.45")) {
		t.Fatalf("portfolio_value = %s, want 123.45", out.PortfolioValue)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at should be set")
	}
	if out.LastTickAt == nil {
		t.Fatalf("last_tick_at should be set")
	}
}

func TestRepositoryLoadMissingFiles(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok, err := s.LoadRuntimeStatus(); err != nil || ok {
		t.Fatalf("LoadRuntimeStatus() = ok %v err %v, want false/nil", ok, err)
	}
	if _, ok, err := s.LoadRatios(); err != nil || ok {
		t.Fatalf("LoadRatios() = ok %v err %v, want false/nil", ok, err)
	}
	if _, ok, err := s.LoadAssets(); err != nil || ok {
		t.Fatalf("LoadAssets() = ok %v err %v, want false/nil", ok, err)
	}
	if _, ok, err := s.LoadCoinInfos(); err != nil || ok {
		t.Fatalf("LoadCoinInfos() = ok %v err %v, want false/nil", ok, err)
	}
}

func TestRepositoryRatiosStoredAsStrings(t *testing.T) {
	root := t.TempDir()
	s, _ := New(root)
	ratios := domain.Ratios{
		"XLM": {"TRX": d("1.5"), "ADA": d("0.25")},
		"TRX": {"XLM": d("0.6666")},
	}
	if err := s.SaveRatios(ratios); err != nil {
		t.Fatalf("SaveRatios() error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, ratiosFile))
	if err != nil {
		t.Fatalf("read ratios failed: %v", err)
	}
	if !strings.Contains(string(raw), `"TRX": "1.5"`) {
		t.Fatalf("ratios.json = %s, want number strings", raw)
	}
	got, ok, err := s.LoadRatios()
	if err != nil || !ok {
		t.Fatalf("LoadRatios() = ok %v err %v", ok, err)
	}
	if !got["XLM"]["ADA"].Equal(d("0.25")) || !got["TRX"]["XLM"].Equal(d("0.6666")) {
		t.Fatalf("LoadRatios() = %v", got)
	}
}

func TestRepositoryAssetsAndCoins(t *testing.T) {
	s, _ := New(t.TempDir())
	err := s.SaveAssets([]domain.AssetSnapshot{
		{Coin: "XLM", Balance: d("10")},
		{Coin: "USDT", Balance: d("5.5")},
		{Coin: "ADA", Balance: d("0")},
	})
	if err != nil {
		t.Fatalf("SaveAssets() error = %v", err)
	}
	assets, ok, err := s.LoadAssets()
	if err != nil || !ok {
		t.Fatalf("LoadAssets() = ok %v err %v", ok, err)
	}
	if len(assets) != 3 || assets[0].Coin != "ADA" || assets[2].Coin != "XLM" || !assets[1].Balance.Equal(d("5.5")) {
		t.Fatalf("LoadAssets() = %+v", assets)
	}

	if err := s.SaveSupportedCoins([]string{"xlm", " trx "}); err != nil {
		t.Fatalf("SaveSupportedCoins() error = %v", err)
	}
	coins, ok, err := s.LoadSupportedCoins()
	if err != nil || !ok || strings.Join(coins, ",") != "XLM,TRX" {
		t.Fatalf("LoadSupportedCoins() = %v ok %v err %v", coins, ok, err)
	}
}

func TestRepositoryCoinInfos(t *testing.T) {
	s, _ := New(t.TempDir())
	infos := map[string]CoinInfo{
		"XLM": {
			Filters: domain.Filters{
				Price:       domain.ValueFilter{Min: d("0.00001"), Max: d("1000"), Precision: 5},
				Quantity:    domain.ValueFilter{Min: d("0.1"), Max: d("9000000"), Precision: 1},
				MinNotional: d("5"),
			},
			Pairs: []domain.PairInfo{{Coin: "TRX", Base: "XLM", Quote: "TRX"}},
		},
		"TRX": {Filters: domain.Filters{MinNotional: d("5")}},
	}
	if err := s.SaveCoinInfos(infos); err != nil {
		t.Fatalf("SaveCoinInfos() error = %v", err)
	}
	got, ok, err := s.LoadCoinInfos()
	if err != nil || !ok {
		t.Fatalf("LoadCoinInfos() = ok %v err %v", ok, err)
	}
	xlm := got["XLM"]
	if xlm.Filters.Quantity.Precision != 1 || !xlm.Filters.MinNotional.Equal(d("5")) {
		t.Fatalf("XLM filters = %+v", xlm.Filters)
	}
	if len(xlm.Pairs) != 1 || xlm.Pairs[0].Quote != "TRX" {
		t.Fatalf("XLM pairs = %+v", xlm.Pairs)
	}
	if got["TRX"].Pairs == nil {
		t.Fatalf("TRX pairs should decode as an empty list")
	}
}

func TestRepositoryRejectsCorruptFile(t *testing.T) {
	root := t.TempDir()
	s, _ := New(root)
	if err := os.WriteFile(filepath.Join(root, assetsFile), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file failed: %v", err)
	}
	if _, _, err := s.LoadAssets(); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("LoadAssets() error = %v, want decode error", err)
	}
}

func TestLedgerRecordsLegsAndOperations(t *testing.T) {
	ctx := context.Background()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	defer l.Close()

	leg := LegRecord{
		LegID:       "leg-1",
		OperationID: "op-1",
		Market:      "XLMUSDT",
		Side:        "SELL",
		From:        "XLM",
		To:          "USDT",
		Amount:      d("10"),
		Status:      "NEW",
		ExecBase:    decimal.Zero,
		ExecQuote:   decimal.Zero,
		Price:       decimal.Zero,
	}
	if err := l.RecordLeg(ctx, leg); err != nil {
		t.Fatalf("RecordLeg() error = %v", err)
	}
	leg.OrderID = "42"
	leg.Status = "FILLED"
	leg.ExecBase = d("-10")
	leg.ExecQuote = d("1.2")
	leg.Price = d("0.12")
	if err := l.RecordLeg(ctx, leg); err != nil {
		t.Fatalf("RecordLeg(update) error = %v", err)
	}
	second := leg
	second.LegID = "leg-2"
	second.Market = "TRXUSDT"
	second.Side = "BUY"
	if err := l.RecordLeg(ctx, second); err != nil {
		t.Fatalf("RecordLeg(second) error = %v", err)
	}

	legs, err := l.Legs(ctx, "op-1")
	if err != nil {
		t.Fatalf("Legs() error = %v", err)
	}
	if len(legs) != 2 || legs[0].LegID != "leg-1" || legs[1].LegID != "leg-2" {
		t.Fatalf("Legs() = %+v", legs)
	}
	if legs[0].Status != "FILLED" || legs[0].OrderID != "42" || !legs[0].ExecBase.Equal(d("-10")) {
		t.Fatalf("Legs()[0] = %+v, want upserted fill", legs[0])
	}

	start := time.Now().UTC().Add(-time.Minute)
	ops := []OperationRecord{
		{OperationID: "op-1", Source: "XLM", Target: "TRX", Amount: d("10"), RatioGrowth: d("1.2"), Received: d("14"), StartedAt: start, FinishedAt: start.Add(10 * time.Second)},
		{OperationID: "op-2", Source: "ADA", Target: "XLM", Amount: d("3"), RatioGrowth: d("1.05"), Direct: true, Aborted: true, Reason: "CANCELED", Received: decimal.Zero, StartedAt: start, FinishedAt: start.Add(20 * time.Second)},
	}
	for _, op := range ops {
		if err := l.RecordOperation(ctx, op); err != nil {
			t.Fatalf("RecordOperation() error = %v", err)
		}
	}
	recent, err := l.RecentOperations(ctx, 10)
	if err != nil {
		t.Fatalf("RecentOperations() error = %v", err)
	}
	if len(recent) != 2 || recent[0].OperationID != "op-2" || !recent[0].Aborted || !recent[0].Direct {
		t.Fatalf("RecentOperations() = %+v", recent)
	}
	if !recent[1].Received.Equal(d("14")) {
		t.Fatalf("op-1 received = %s, want 14", recent[1].Received)
	}
}
