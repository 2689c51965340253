package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdmitter struct {
	mu      sync.Mutex
	got     []domain.Signal
	ctxDone bool
}

func (f *fakeAdmitter) AdmitAll(ctx context.Context, signals []domain.Signal) []engine.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, signals...)
	f.ctxDone = ctx.Err() != nil
	out := make([]engine.Decision, len(signals))
	for i, s := range signals {
		if i == 0 {
			out[i] = engine.Decision{Symbol: s.Symbol, Admitted: true}
			continue
		}
		out[i] = engine.Decision{Symbol: s.Symbol, Reason: engine.ReasonTooFarAboveTrigger}
	}
	return out
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices() *fakePrices { return &fakePrices{prices: map[string]float64{}} }

func (f *fakePrices) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
	return nil
}

func (f *fakePrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (f *fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type fakeEngine struct {
	open    []domain.Position
	snapErr error
	exitErr error
	exited  []string
}

func (f *fakeEngine) Snapshot(context.Context) ([]domain.Position, error) {
	return f.open, f.snapErr
}

func (f *fakeEngine) ExitManual(_ context.Context, symbol string) (domain.Position, error) {
	f.exited = append(f.exited, symbol)
	if f.exitErr != nil {
		return domain.Position{}, f.exitErr
	}
	px := 105.0
	return domain.Position{Symbol: symbol, Status: domain.PositionStatusExitManual, ExitPrice: &px}, nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestAlertHandler(t *testing.T) {
	t.Run("admits and reports rejections", func(t *testing.T) {
		adm := &fakeAdmitter{}
		prices := newFakePrices()
		h := NewAlertHandler(adm, prices, AlertConfig{SymbolPrefix: "NSE:", SymbolSuffix: "-EQ", RecordTriggers: true}, testLogger())

		body := `{"stocks":"sbin,infy","trigger_prices":"600.5,1500"}`
		rec := httptest.NewRecorder()
		h.Receive(rec, httptest.NewRequest(http.MethodPost, "/api/alerts", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp alertResponse
		decode(t, rec, &resp)
		assert.Equal(t, 2, resp.Received)
		assert.Equal(t, 1, resp.Admitted)
		require.Len(t, resp.Rejected, 1)
		assert.Equal(t, rejection{Symbol: "NSE:INFY-EQ", Reason: engine.ReasonTooFarAboveTrigger}, resp.Rejected[0])
		assert.Len(t, resp.Decisions, 2)

		require.Len(t, adm.got, 2)
		assert.Equal(t, "NSE:SBIN-EQ", adm.got[0].Symbol)
		assert.InDelta(t, 600.5, adm.got[0].TriggerPrice, 1e-9)

		p, _, err := prices.GetPrice(context.Background(), "NSE:SBIN-EQ")
		require.NoError(t, err)
		assert.InDelta(t, 600.5, p, 1e-9)
	})

	t.Run("empty payload is not an error", func(t *testing.T) {
		adm := &fakeAdmitter{}
		h := NewAlertHandler(adm, nil, AlertConfig{}, testLogger())
		rec := httptest.NewRecorder()
		h.Receive(rec, httptest.NewRequest(http.MethodPost, "/chartink", strings.NewReader(`[]`)))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp alertResponse
		decode(t, rec, &resp)
		assert.Zero(t, resp.Received)
		assert.Empty(t, resp.Rejected)
		assert.Empty(t, adm.got)
	})

	t.Run("malformed payload", func(t *testing.T) {
		h := NewAlertHandler(&fakeAdmitter{}, nil, AlertConfig{}, testLogger())
		rec := httptest.NewRecorder()
		h.Receive(rec, httptest.NewRequest(http.MethodPost, "/api/alerts", strings.NewReader(`"just text"`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		h := NewAlertHandler(&fakeAdmitter{}, nil, AlertConfig{MaxBodyBytes: 16}, testLogger())
		rec := httptest.NewRecorder()
		body := `[{"symbol":"SBIN","price":600},{"symbol":"INFY","price":1500}]`
		h.Receive(rec, httptest.NewRequest(http.MethodPost, "/api/alerts", strings.NewReader(body)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("admission outlives the request context", func(t *testing.T) {
		adm := &fakeAdmitter{}
		h := NewAlertHandler(adm, nil, AlertConfig{}, testLogger())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/api/alerts", strings.NewReader(`{"symbol":"SBIN","price":600}`)).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.Receive(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, adm.ctxDone)
	})
}

func TestHealthHandler(t *testing.T) {
	eng := &fakeEngine{open: []domain.Position{{Symbol: "NSE:SBIN-EQ"}}}
	h := NewHealthHandler(eng, "full", "simulate", testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decode(t, rec, &resp)
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, "full", resp["mode"])
	assert.Equal(t, "simulate", resp["trading_mode"])
	assert.EqualValues(t, 1, resp["open_positions"])
	assert.NotEmpty(t, resp["timestamp"])

	eng.snapErr = domain.ErrEngineStopped
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.EqualValues(t, -1, resp["open_positions"])
}

func TestPositionHandler(t *testing.T) {
	t.Run("list enriches with last price", func(t *testing.T) {
		eng := &fakeEngine{open: []domain.Position{
			{Symbol: "NSE:SBIN-EQ", EntryPrice: 100, Quantity: 10, Status: domain.PositionStatusOpen},
			{Symbol: "NSE:INFY-EQ", EntryPrice: 50, Quantity: 4, Status: domain.PositionStatusOpen},
		}}
		prices := newFakePrices()
		require.NoError(t, prices.SetPrice(context.Background(), "NSE:SBIN-EQ", 103, time.Now()))
		h := NewPositionHandler(eng, prices, "NSE:", "-EQ", testLogger())

		rec := httptest.NewRecorder()
		h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Positions []struct {
				Symbol        string   `json:"symbol"`
				LastPrice     *float64 `json:"last_price"`
				UnrealizedPnL *float64 `json:"unrealized_pnl"`
			} `json:"positions"`
		}
		decode(t, rec, &resp)
		require.Len(t, resp.Positions, 2)
		require.NotNil(t, resp.Positions[0].LastPrice)
		assert.InDelta(t, 103, *resp.Positions[0].LastPrice, 1e-9)
		assert.InDelta(t, 30, *resp.Positions[0].UnrealizedPnL, 1e-9)
		assert.Nil(t, resp.Positions[1].LastPrice)
	})

	t.Run("list with stopped engine", func(t *testing.T) {
		h := NewPositionHandler(&fakeEngine{snapErr: domain.ErrEngineStopped}, nil, "", "", testLogger())
		rec := httptest.NewRecorder()
		h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	exitCases := []struct {
		name   string
		err    error
		status int
	}{
		{"closed", nil, http.StatusOK},
		{"not open", domain.ErrNotFound, http.StatusNotFound},
		{"in flight", engine.ErrExitInFlight, http.StatusConflict},
		{"broker rejected", domain.ErrOrderRejected, http.StatusBadGateway},
	}
	for _, tc := range exitCases {
		t.Run("exit "+tc.name, func(t *testing.T) {
			eng := &fakeEngine{exitErr: tc.err}
			h := NewPositionHandler(eng, nil, "NSE:", "-EQ", testLogger())

			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/positions/{symbol}/exit", h.ExitPosition)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/sbin/exit", nil))

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, []string{"NSE:SBIN-EQ"}, eng.exited)
		})
	}
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls++
	return f.err
}

func TestTokenHandler(t *testing.T) {
	ok := &fakeRefresher{}
	rec := httptest.NewRecorder()
	NewTokenHandler(ok, testLogger()).Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ok.calls)

	failing := &fakeRefresher{err: domain.ErrUnauthorized}
	rec = httptest.NewRecorder()
	NewTokenHandler(failing, testLogger()).Refresh(rec, httptest.NewRequest(http.MethodGet, "/api/token/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)

	rec = httptest.NewRecorder()
	NewTokenHandler(nil, testLogger()).Refresh(rec, httptest.NewRequest(http.MethodGet, "/api/token/refresh", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakeReports struct {
	generated []time.Time
	stored    map[string]domain.DailyReport
	err       error
}

func (f *fakeReports) Generate(_ context.Context, day time.Time) (domain.DailyReport, error) {
	f.generated = append(f.generated, day)
	if f.err != nil {
		return domain.DailyReport{}, f.err
	}
	return domain.DailyReport{Day: day, Trades: 2, GrossPnL: "10.00"}, nil
}

func (f *fakeReports) Lookup(_ context.Context, day time.Time) (domain.DailyReport, error) {
	rep, ok := f.stored[day.Format(time.DateOnly)]
	if !ok {
		return domain.DailyReport{}, domain.ErrNotFound
	}
	return rep, nil
}

func TestReportHandler(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	t.Run("generate defaults to today", func(t *testing.T) {
		reps := &fakeReports{}
		h := NewReportHandler(reps, loc, testLogger())
		h.now = func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC) } // 01:30 IST on the 3rd

		rec := httptest.NewRecorder()
		h.Generate(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, reps.generated, 1)
		assert.Equal(t, "2026-03-03", reps.generated[0].Format(time.DateOnly))
	})

	t.Run("generate explicit date", func(t *testing.T) {
		reps := &fakeReports{}
		h := NewReportHandler(reps, loc, testLogger())
		rec := httptest.NewRecorder()
		h.Generate(rec, httptest.NewRequest(http.MethodGet, "/api/report?date=2026-01-15", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2026-01-15", reps.generated[0].Format(time.DateOnly))
		assert.Equal(t, loc, reps.generated[0].Location())
	})

	t.Run("bad date", func(t *testing.T) {
		h := NewReportHandler(&fakeReports{}, loc, testLogger())
		rec := httptest.NewRecorder()
		h.Generate(rec, httptest.NewRequest(http.MethodGet, "/api/report?date=15-01-2026", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("generate failure", func(t *testing.T) {
		h := NewReportHandler(&fakeReports{err: errors.New("db down")}, loc, testLogger())
		rec := httptest.NewRecorder()
		h.Generate(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("lookup", func(t *testing.T) {
		reps := &fakeReports{stored: map[string]domain.DailyReport{
			"2026-01-15": {Trades: 3, GrossPnL: "42.00"},
		}}
		h := NewReportHandler(reps, loc, testLogger())
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/reports/{date}", h.Get)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/2026-01-15", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var rep domain.DailyReport
		decode(t, rec, &rep)
		assert.Equal(t, 3, rep.Trades)

		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/2026-01-16", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
