package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

func TestTrailingStopOnlyRises(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	m := NewMonitor(h.engine, discardLogger())
	ctx := context.Background()

	pos := h.openAt(t, "NSE:AAA-EQ", 100)
	require.InDelta(t, 97.0, pos.StopPrice, 1e-9)

	prev := pos.StopPrice
	// dips stay above the trailed stop so the position survives every cycle
	for _, px := range []float64{100.2, 100.6, 101.5, 101.1, 102.0, 101.6, 102.5, 102.1} {
		broker.setPrice("NSE:AAA-EQ", px)
		m.RunCycle(ctx)

		p, err := h.engine.Position(ctx, "NSE:AAA-EQ")
		require.NoError(t, err, "price %v", px)
		assert.GreaterOrEqual(t, p.StopPrice, prev, "stop fell at price %v", px)
		prev = p.StopPrice
	}
	// highest price seen was 102.5
	assert.InDelta(t, 102.5*(1-0.005), prev, 1e-9)
	assert.Contains(t, h.sink.types(), domain.EventStopRaised)
}

func TestTrailingATRMode(t *testing.T) {
	cfg := testConfig()
	cfg.Trail.Mode = TrailATR
	broker := newFakeBroker()
	h := newHarness(t, cfg, broker, "")
	m := NewMonitor(h.engine, discardLogger())

	h.openAt(t, "NSE:AAA-EQ", 100)
	broker.setPrice("NSE:AAA-EQ", 103)
	m.RunCycle(context.Background())

	p, err := h.engine.Position(context.Background(), "NSE:AAA-EQ")
	require.NoError(t, err)
	// ATR at entry was 2, so 103 - 1*2
	assert.InDelta(t, 101.0, p.StopPrice, 1e-9)
}

func TestExitReasons(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(*Config)
		act        func(h *harness)
		wantStatus domain.PositionStatus
		wantReason string
	}{
		{
			name:       "stop",
			act:        func(h *harness) { h.broker.setPrice("NSE:AAA-EQ", 96.5) },
			wantStatus: domain.PositionStatusExitStop,
			wantReason: ReasonStopHit,
		},
		{
			name:       "target",
			cfg:        func(c *Config) { c.Trail.Enabled = false },
			act:        func(h *harness) { h.broker.setPrice("NSE:AAA-EQ", 104.2) },
			wantStatus: domain.PositionStatusExitTarget,
			wantReason: ReasonTargetHit,
		},
		{
			name:       "time",
			act:        func(h *harness) { h.clock.Advance(3*time.Hour + time.Second) },
			wantStatus: domain.PositionStatusExitTime,
			wantReason: ReasonMaxHold,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			broker := newFakeBroker()
			h := newHarness(t, cfg, broker, "")
			m := NewMonitor(h.engine, discardLogger())
			ctx := context.Background()

			h.openAt(t, "NSE:AAA-EQ", 100)
			tc.act(h)
			stats := m.RunCycle(ctx)
			assert.Equal(t, 1, stats.Exits)

			open, err := h.engine.Snapshot(ctx)
			require.NoError(t, err)
			assert.Empty(t, open)

			closed, err := h.engine.Closed(ctx)
			require.NoError(t, err)
			require.Len(t, closed, 1)
			assert.Equal(t, tc.wantStatus, closed[0].Status)
			assert.Equal(t, tc.wantReason, closed[0].ExitReason)
			require.NotNil(t, closed[0].ExitPrice)
			require.NotNil(t, closed[0].ClosedAt)

			sells := broker.ordersBySide(domain.OrderSideSell)
			require.Len(t, sells, 1)
			assert.Equal(t, closed[0].Quantity, sells[0].Quantity)
		})
	}
}

func TestFailedExitIsRetried(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	m := NewMonitor(h.engine, discardLogger())
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)
	broker.setPrice("NSE:AAA-EQ", 96)
	broker.failNextOrders(errors.New("gateway timeout"))

	stats := m.RunCycle(ctx)
	assert.Equal(t, 1, stats.Failures)
	open, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.PositionStatusOpen, open[0].Status)

	stats = m.RunCycle(ctx)
	assert.Equal(t, 1, stats.Exits)
	open, err = h.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBarStop(t *testing.T) {
	cfg := testConfig()
	cfg.BarStop.Enabled = true
	broker := newFakeBroker()
	h := newHarness(t, cfg, broker, "")
	m := NewMonitor(h.engine, discardLogger())
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)

	// a completed bar after entry that closed 0.5% below its open
	h.clock.Advance(10 * time.Minute)
	opened := h.clock.Now().Add(-10 * time.Minute)
	broker.mu.Lock()
	broker.bars["NSE:AAA-EQ"] = append(broker.bars["NSE:AAA-EQ"], domain.Bar{
		Time: opened, Open: 100, High: 100.1, Low: 99.4, Close: 99.5,
	})
	broker.mu.Unlock()
	broker.setPrice("NSE:AAA-EQ", 99.6)

	m.RunCycle(ctx)

	closed, err := h.engine.Closed(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.PositionStatusExitStop, closed[0].Status)
	assert.Equal(t, ReasonBarClose, closed[0].ExitReason)
}

func TestBarStopExitIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.BarStop.Enabled = true
	broker := newFakeBroker()
	h := newHarness(t, cfg, broker, "")
	m := NewMonitor(h.engine, discardLogger())
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)
	h.clock.Advance(10 * time.Minute)
	barTime := h.clock.Now().Add(-10 * time.Minute)
	broker.mu.Lock()
	broker.bars["NSE:AAA-EQ"] = append(broker.bars["NSE:AAA-EQ"], domain.Bar{
		Time: barTime, Open: 100, High: 100.1, Low: 99, Close: 99,
	})
	broker.mu.Unlock()
	broker.setPrice("NSE:AAA-EQ", 99.6)

	broker.failNextOrders(errors.New("rejected"))
	stats := m.RunCycle(ctx)
	assert.Zero(t, stats.Exits)
	assert.Equal(t, 1, stats.Failures)

	// same bar, no new one: the sell is placed again
	stats = m.RunCycle(ctx)
	assert.Equal(t, 1, stats.Exits)

	open, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	closed, err := h.engine.Closed(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonBarClose, closed[0].ExitReason)
	assert.Len(t, broker.ordersBySide(domain.OrderSideSell), 1)
}

func TestBarStopIgnoresShallowBar(t *testing.T) {
	cfg := testConfig()
	cfg.BarStop.Enabled = true
	broker := newFakeBroker()
	h := newHarness(t, cfg, broker, "")
	m := NewMonitor(h.engine, discardLogger())
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)
	h.clock.Advance(10 * time.Minute)
	barTime := h.clock.Now().Add(-10 * time.Minute)
	broker.mu.Lock()
	broker.bars["NSE:AAA-EQ"] = append(broker.bars["NSE:AAA-EQ"], domain.Bar{
		Time: barTime, Open: 100, High: 100.1, Low: 99.9, Close: 99.9,
	})
	broker.mu.Unlock()
	broker.setPrice("NSE:AAA-EQ", 99.9)

	for i := 0; i < 2; i++ {
		stats := m.RunCycle(ctx)
		assert.Zero(t, stats.Exits)
	}
	open, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestExitManual(t *testing.T) {
	broker := newFakeBroker()
	h := newHarness(t, testConfig(), broker, "")
	ctx := context.Background()

	h.openAt(t, "NSE:AAA-EQ", 100)
	broker.setPrice("NSE:AAA-EQ", 101)

	closed, err := h.engine.ExitManual(ctx, "NSE:AAA-EQ")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExitManual, closed.Status)
	assert.InDelta(t, 101.0, *closed.ExitPrice, 1e-9)

	_, err = h.engine.ExitManual(ctx, "NSE:AAA-EQ")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
