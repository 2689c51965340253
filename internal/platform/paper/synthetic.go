package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// SyntheticFeed is a random-walk domain.MarketData. Each symbol starts from
// the price recorded in the price cache (the alert's trigger price).
type SyntheticFeed struct {
	prices     domain.PriceCache
	volatility float64
	now        func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]float64
}

var _ domain.MarketData = (*SyntheticFeed)(nil)

// NewSyntheticFeed creates a feed with per-step relative volatility. A zero
// seed uses the current time.
func NewSyntheticFeed(prices domain.PriceCache, volatility float64, seed int64) *SyntheticFeed {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if volatility <= 0 {
		volatility = 0.002
	}
	return &SyntheticFeed{
		prices:     prices,
		volatility: volatility,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(seed)),
		last:       make(map[string]float64),
	}
}

// LTP advances the walk for symbol by one step and returns the new price.
func (f *SyntheticFeed) LTP(ctx context.Context, symbol string) (float64, error) {
	base, err := f.base(ctx, symbol)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.step(base)
	f.last[symbol] = p
	return p, nil
}

// Candles returns count closed bars ending at the last completed interval.
// The newest bar closes at the symbol's current price.
func (f *SyntheticFeed) Candles(ctx context.Context, symbol string, interval time.Duration, count int) ([]domain.Bar, error) {
	if count <= 0 {
		return nil, nil
	}
	base, err := f.base(ctx, symbol)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	end := f.now().Truncate(interval).Add(-interval)
	bars := make([]domain.Bar, count)
	closePx := base
	for i := count - 1; i >= 0; i-- {
		openPx := f.step(closePx)
		wick := math.Abs(f.rng.NormFloat64()) * f.volatility / 2
		bars[i] = domain.Bar{
			Time:   end.Add(-time.Duration(count-1-i) * interval),
			Open:   openPx,
			High:   math.Max(openPx, closePx) * (1 + wick),
			Low:    math.Min(openPx, closePx) * (1 - wick),
			Close:  closePx,
			Volume: 1000 + f.rng.Int63n(9000),
		}
		closePx = openPx
	}
	return bars, nil
}

func (f *SyntheticFeed) base(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	p, ok := f.last[symbol]
	f.mu.Unlock()
	if ok {
		return p, nil
	}
	if f.prices == nil {
		return 0, fmt.Errorf("paper: %s: %w", symbol, domain.ErrNoData)
	}
	p, _, err := f.prices.GetPrice(ctx, symbol)
	if err != nil || p <= 0 {
		return 0, fmt.Errorf("paper: no seed price for %s: %w", symbol, domain.ErrNoData)
	}
	f.mu.Lock()
	if _, ok := f.last[symbol]; !ok {
		f.last[symbol] = p
	}
	f.mu.Unlock()
	return p, nil
}

// step must be called with f.mu held.
func (f *SyntheticFeed) step(p float64) float64 {
	next := p * (1 + f.volatility*f.rng.NormFloat64())
	if next <= 0 {
		return p
	}
	return next
}
