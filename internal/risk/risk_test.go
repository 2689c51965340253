package risk

import (
	"testing"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestATRLevelsExample(t *testing.T) {
	lv := ATRLevels(100, 2, 1.5, 2, 0.002)
	assert.InDelta(t, 97.0, lv.Stop, 1e-9)
	assert.InDelta(t, 104.0, lv.Target, 1e-9)
	assert.Equal(t, MethodATR, lv.Method)
}

func TestATRLevelsMinimumDistance(t *testing.T) {
	// 1.5 * 0.05 = 0.075 is tighter than 0.2% of 100
	lv := ATRLevels(100, 0.05, 1.5, 2, 0.002)
	assert.InDelta(t, 99.8, lv.Stop, 1e-9)
}

func TestPercentLevels(t *testing.T) {
	lv := PercentLevels(200, 0.005, 0.04)
	assert.InDelta(t, 199.0, lv.Stop, 1e-9)
	assert.InDelta(t, 208.0, lv.Target, 1e-9)
}

func TestSwingLevels(t *testing.T) {
	lv := SwingLevels(100, 96, 0.001, 2)
	assert.InDelta(t, 95.9, lv.Stop, 1e-9)
	assert.InDelta(t, 108.2, lv.Target, 1e-9)
}

func bars(n int, low float64) []domain.Bar {
	t0 := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	out := make([]domain.Bar, n)
	for i := range out {
		out[i] = domain.Bar{Time: t0.Add(time.Duration(i) * 5 * time.Minute), Open: 100, High: 101, Low: low, Close: 100}
	}
	return out
}

func TestCompute(t *testing.T) {
	base := StopParams{
		ATRPeriod:      14,
		ATRMultiplier:  1.5,
		TargetMultiple: 2,
		MinDistancePct: 0.002,
		SwingLookback:  10,
		SwingBufferPct: 0.001,
		RewardRatio:    2,
		StopPct:        0.005,
		TargetPct:      0.04,
	}

	t.Run("atr", func(t *testing.T) {
		p := base
		p.Method = MethodATR
		lv, err := Compute(p, 100, bars(20, 99))
		require.NoError(t, err)
		assert.InDelta(t, 97.0, lv.Stop, 1e-9)
		assert.InDelta(t, 104.0, lv.Target, 1e-9)
		assert.InDelta(t, 2.0, lv.ATR, 1e-9)
	})

	t.Run("atr without enough bars", func(t *testing.T) {
		p := base
		p.Method = MethodATR
		_, err := Compute(p, 100, bars(5, 99))
		require.ErrorIs(t, err, domain.ErrNoData)
	})

	t.Run("swing low above entry falls back to percent", func(t *testing.T) {
		p := base
		p.Method = MethodSwingLow
		lv, err := Compute(p, 95, bars(12, 99))
		require.NoError(t, err)
		assert.Equal(t, MethodPercent, lv.Method)
		assert.Less(t, lv.Stop, 95.0)
	})

	t.Run("unknown method", func(t *testing.T) {
		p := base
		p.Method = "fib"
		_, err := Compute(p, 100, nil)
		require.Error(t, err)
	})
}

func TestRiskQuantity(t *testing.T) {
	tests := []struct {
		name        string
		price, stop float64
		want        int64
	}{
		// budget 200, 3 per share -> 66; capital 20000/100 -> 200
		{"risk bound", 100, 97, 66},
		// budget 200, 0.2 per share -> 1000; capital 20000/100 -> 200
		{"capital bound", 100, 99.8, 200},
		{"stop above price uses capital cap", 100, 101, 200},
		{"expensive stock floors at one", 50000, 49000, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RiskQuantity(tc.price, tc.stop, 20000, 0.01))
		})
	}
}

func TestBracketQuantity(t *testing.T) {
	brackets := []Bracket{{MaxPrice: 200, Quantity: 10}, {MaxPrice: 600, Quantity: 5}}
	assert.Equal(t, int64(10), BracketQuantity(150, brackets, 1))
	assert.Equal(t, int64(5), BracketQuantity(200, brackets, 1))
	assert.Equal(t, int64(1), BracketQuantity(600, brackets, 1))

	s := Sizer{Method: SizingBracket, Brackets: brackets, DefaultQuantity: 1}
	assert.Equal(t, int64(10), s.Quantity(101, 97))
}

func TestBarsNeeded(t *testing.T) {
	assert.Equal(t, 15, StopParams{Method: MethodATR, ATRPeriod: 14}.BarsNeeded())
	assert.Equal(t, 1, StopParams{Method: MethodSwingLow, SwingLookback: 10}.BarsNeeded())
	assert.Equal(t, 1, StopParams{Method: MethodPercent}.BarsNeeded())
}
