package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/journal"
	"github.com/alanyoungcy/screenerbot/internal/risk"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBroker fills every order at the current LTP unless told otherwise.
type fakeBroker struct {
	mu         sync.Mutex
	prices     map[string]float64
	bars       map[string][]domain.Bar
	candleErr  error
	orderErrs  []error
	orders     []domain.OrderRequest
	held       map[string]int64
	orderDelay time.Duration
	seq        int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		prices: make(map[string]float64),
		bars:   make(map[string][]domain.Bar),
		held:   make(map[string]int64),
	}
}

func (b *fakeBroker) setPrice(sym string, px float64) {
	b.mu.Lock()
	b.prices[sym] = px
	b.mu.Unlock()
}

// failNextOrders queues errors returned by the next PlaceOrder calls.
func (b *fakeBroker) failNextOrders(errs ...error) {
	b.mu.Lock()
	b.orderErrs = append(b.orderErrs, errs...)
	b.mu.Unlock()
}

func (b *fakeBroker) LTP(_ context.Context, sym string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	px, ok := b.prices[sym]
	if !ok {
		return 0, domain.ErrNoData
	}
	return px, nil
}

func (b *fakeBroker) Candles(_ context.Context, sym string, _ time.Duration, _ int) ([]domain.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.candleErr != nil {
		return nil, b.candleErr
	}
	return append([]domain.Bar(nil), b.bars[sym]...), nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if b.orderDelay > 0 {
		select {
		case <-time.After(b.orderDelay):
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.orderErrs) > 0 {
		err := b.orderErrs[0]
		b.orderErrs = b.orderErrs[1:]
		if err != nil {
			return domain.OrderResult{}, err
		}
	}
	b.orders = append(b.orders, req)
	b.seq++
	if req.Side == domain.OrderSideBuy {
		b.held[req.Symbol] += req.Quantity
	} else {
		b.held[req.Symbol] -= req.Quantity
	}
	return domain.OrderResult{
		OrderID:     fmt.Sprintf("ord-%d", b.seq),
		Status:      domain.OrderStatusFilled,
		FilledPrice: b.prices[req.Symbol],
	}, nil
}

func (b *fakeBroker) Positions(context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(b.held))
	for sym, q := range b.held {
		out = append(out, domain.BrokerPosition{Symbol: sym, NetQty: q})
	}
	return out, nil
}

func (b *fakeBroker) ordersBySide(side domain.OrderSide) []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.OrderRequest
	for _, o := range b.orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.PositionEvent
}

func (s *recordingSink) Record(_ context.Context, ev domain.PositionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func testConfig() Config {
	return Config{
		Location:       ist,
		Cutoff:         15*time.Hour + 10*time.Minute,
		PriceTolerance: 0.02,
		Stops: risk.StopParams{
			Method:         risk.MethodATR,
			ATRPeriod:      14,
			ATRMultiplier:  1.5,
			TargetMultiple: 2,
			MinDistancePct: 0.002,
			SwingLookback:  10,
			SwingBufferPct: 0.001,
			RewardRatio:    2,
			StopPct:        0.005,
			TargetPct:      0.04,
		},
		Sizer:        risk.Sizer{Method: risk.SizingRisk, MaxCapital: 20000, RiskFraction: 0.01},
		BarInterval:  5 * time.Minute,
		BarCount:     30,
		Trail:        TrailConfig{Enabled: true, StartPct: 0.005, Mode: TrailPercent, Pct: 0.005, ATRMult: 1},
		PollInterval: 10 * time.Second,
		Workers:      4,
		MaxHold:      3 * time.Hour,
		BarStop:      BarStopConfig{Threshold: 0.003},
	}
}

// flatBars returns n closed 5m bars ending before now with a 2.0 range, so
// ATR(14) is exactly 2.
func flatBars(now time.Time, n int, mid float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	start := now.Add(-time.Duration(n+1) * 5 * time.Minute)
	for i := range bars {
		bars[i] = domain.Bar{
			Time:  start.Add(time.Duration(i) * 5 * time.Minute),
			Open:  mid,
			High:  mid + 1,
			Low:   mid - 1,
			Close: mid,
		}
	}
	return bars
}

type harness struct {
	engine *Engine
	broker *fakeBroker
	clock  *fakeClock
	sink   *recordingSink
	wal    *journal.Journal
	path   string
	stop   func()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config, broker *fakeBroker, path string) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "positions.wal")
	}
	wal, err := journal.Open(path, false)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, ist)}
	sink := &recordingSink{}
	e := New(cfg, broker, wal, sink, nil, discardLogger())
	e.now = clock.Now
	require.NoError(t, e.Restore(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var once sync.Once
	h := &harness{engine: e, broker: broker, clock: clock, sink: sink, wal: wal, path: path}
	h.stop = func() {
		once.Do(func() {
			cancel()
			err := <-done
			if !errors.Is(err, context.Canceled) {
				t.Errorf("engine run: %v", err)
			}
			wal.Close()
		})
	}
	t.Cleanup(h.stop)
	return h
}

// openAt admits sym with LTP px and a flat bar history around px.
func (h *harness) openAt(t *testing.T, sym string, px float64) domain.Position {
	t.Helper()
	h.broker.setPrice(sym, px)
	h.broker.mu.Lock()
	h.broker.bars[sym] = flatBars(h.clock.Now(), 20, px)
	h.broker.mu.Unlock()

	d := h.engine.Admit(context.Background(), domain.Signal{Symbol: sym, TriggerPrice: px})
	require.True(t, d.Admitted, "admit %s: %s", sym, d.Reason)
	return *d.Position
}
