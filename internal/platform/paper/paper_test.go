package paper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedData struct{ price float64 }

func (d fixedData) LTP(context.Context, string) (float64, error) { return d.price, nil }

func (d fixedData) Candles(context.Context, string, time.Duration, int) ([]domain.Bar, error) {
	return nil, domain.ErrNoData
}

type mapPrices map[string]float64

func (m mapPrices) SetPrice(_ context.Context, s string, p float64, _ time.Time) error {
	m[s] = p
	return nil
}

func (m mapPrices) GetPrice(_ context.Context, s string) (float64, time.Time, error) {
	p, ok := m[s]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (m mapPrices) GetPrices(_ context.Context, syms []string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, s := range syms {
		if p, ok := m[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerFillsWithSlippage(t *testing.T) {
	b := NewBroker(fixedData{price: 100}, Config{SlippageBps: 10}, discardLogger())
	ctx := context.Background()

	buy, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "NSE:ABC-EQ", Side: domain.OrderSideBuy, Quantity: 5})
	require.NoError(t, err)
	assert.True(t, buy.Confirmed())
	assert.InDelta(t, 100.1, buy.FilledPrice, 1e-9)

	sell, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "NSE:ABC-EQ", Side: domain.OrderSideSell, Quantity: 2})
	require.NoError(t, err)
	assert.InDelta(t, 100/1.001, sell.FilledPrice, 1e-9)
	assert.NotEqual(t, buy.OrderID, sell.OrderID)

	pos, err := b.Positions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.BrokerPosition{{Symbol: "NSE:ABC-EQ", NetQty: 3}}, pos)
}

func TestBrokerRejectsZeroQuantity(t *testing.T) {
	b := NewBroker(fixedData{price: 100}, Config{}, discardLogger())
	res, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "X", Side: domain.OrderSideBuy})
	require.NoError(t, err)
	assert.False(t, res.Confirmed())
}

func TestBrokerLatencyHonoursContext(t *testing.T) {
	b := NewBroker(fixedData{price: 100}, Config{Latency: time.Hour}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.OrderSideBuy, Quantity: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyntheticFeedSeedsFromPriceCache(t *testing.T) {
	f := NewSyntheticFeed(mapPrices{"NSE:ABC-EQ": 250}, 0.001, 42)
	ctx := context.Background()

	p, err := f.LTP(ctx, "NSE:ABC-EQ")
	require.NoError(t, err)
	assert.InDelta(t, 250, p, 250*0.01)

	_, err = f.LTP(ctx, "NSE:NOPE-EQ")
	require.ErrorIs(t, err, domain.ErrNoData)
}

func TestSyntheticFeedCandlesAreClosed(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 7, 30, 0, time.UTC)
	f := NewSyntheticFeed(mapPrices{"S": 100}, 0.002, 7)
	f.now = func() time.Time { return now }

	bars, err := f.Candles(context.Background(), "S", 5*time.Minute, 20)
	require.NoError(t, err)
	require.Len(t, bars, 20)

	last := bars[len(bars)-1]
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), last.Time)
	assert.False(t, last.Time.Add(5*time.Minute).After(now))
	assert.InDelta(t, 100, last.Close, 1e-9)
	for i, b := range bars {
		assert.GreaterOrEqual(t, b.High, b.Open, "bar %d", i)
		assert.GreaterOrEqual(t, b.High, b.Close, "bar %d", i)
		assert.LessOrEqual(t, b.Low, b.Open, "bar %d", i)
		assert.LessOrEqual(t, b.Low, b.Close, "bar %d", i)
		if i > 0 {
			assert.Equal(t, bars[i-1].Time.Add(5*time.Minute), b.Time)
			assert.InDelta(t, bars[i-1].Close, b.Open, 1e-9)
		}
	}
}
