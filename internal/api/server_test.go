package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/engine"
	"bridge-rotation/internal/store"
)

type fakeController struct {
	starts, stops, saves int
	err                  error
	status               engine.Status
}

func (f *fakeController) StartTickers(ctx context.Context) error {
	f.starts++
	return f.err
}

func (f *fakeController) StopTickers(ctx context.Context) error {
	f.stops++
	return f.err
}

func (f *fakeController) SaveState(ctx context.Context) error {
	f.saves++
	return f.err
}

func (f *fakeController) Status(ctx context.Context) (engine.Status, error) {
	return f.status, f.err
}

type fakeHistory struct {
	limit int
	ops   []store.OperationRecord
}

func (f *fakeHistory) RecentOperations(ctx context.Context, limit int) ([]store.OperationRecord, error) {
	f.limit = limit
	return f.ops, nil
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCommandsReachController(t *testing.T) {
	ctrl := &fakeController{}
	s, err := New(ctrl, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, path := range []string{"/trade/start", "/trade/stop", "/trade/save"} {
		if rec := serve(t, s, http.MethodPost, path); rec.Code != http.StatusOK {
			t.Fatalf("POST %s code = %d, want 200", path, rec.Code)
		}
	}
	if ctrl.starts != 1 || ctrl.stops != 1 || ctrl.saves != 1 {
		t.Fatalf("calls start=%d stop=%d save=%d, want 1 each", ctrl.starts, ctrl.stops, ctrl.saves)
	}
	if rec := serve(t, s, http.MethodGet, "/trade/start"); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /trade/start code = %d, want 404 or 405", rec.Code)
	}
}

func TestCommandErrorMapsToStatus(t *testing.T) {
	ctrl := &fakeController{err: engine.ErrNotRunning}
	s, _ := New(ctrl, nil)
	if rec := serve(t, s, http.MethodPost, "/trade/start"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	ctrl.err = errors.New("boom")
	if rec := serve(t, s, http.MethodPost, "/trade/save"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", rec.Code)
	}
}

func TestStatusReturnsSnapshot(t *testing.T) {
	ctrl := &fakeController{status: engine.Status{
		Mode:           "paper",
		Bridge:         "USDT",
		Tickers:        true,
		PortfolioValue: decimal.RequireFromString("123.5"),
	}}
	s, _ := New(ctrl, nil)
	rec := serve(t, s, http.MethodGet, "/trade/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var got engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.Bridge != "USDT" || !got.Tickers || !got.PortfolioValue.Equal(decimal.RequireFromString("123.5")) {
		t.Fatalf("status = %+v", got)
	}
}

func TestOperationsUsesLedger(t *testing.T) {
	s, _ := New(&fakeController{}, nil)
	if rec := serve(t, s, http.MethodGet, "/trade/operations"); rec.Code != http.StatusNotFound {
		t.Fatalf("code without ledger = %d, want 404", rec.Code)
	}

	hist := &fakeHistory{ops: []store.OperationRecord{{OperationID: "op-1", Source: "XLM", Target: "TRX"}}}
	s, _ = New(&fakeController{}, hist)
	rec := serve(t, s, http.MethodGet, "/trade/operations?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if hist.limit != 5 {
		t.Fatalf("limit = %d, want 5", hist.limit)
	}
	var body struct {
		Operations []store.OperationRecord `json:"operations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Operations) != 1 || body.Operations[0].OperationID != "op-1" {
		t.Fatalf("operations = %+v", body.Operations)
	}
	if rec := serve(t, s, http.MethodGet, "/trade/operations?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := New(&fakeController{}, nil)
	if rec := serve(t, s, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
}

func TestNewRequiresController(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("New(nil) error = nil, want error")
	}
}
