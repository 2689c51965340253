// Package indicator computes bar-based technical indicators over closed
// candles.
package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// ClosedBars drops any bar still forming at now, i.e. one whose interval has
// not yet elapsed. Bars are assumed to be in ascending time order.
func ClosedBars(bars []domain.Bar, interval time.Duration, now time.Time) []domain.Bar {
	n := len(bars)
	for n > 0 && bars[n-1].Time.Add(interval).After(now) {
		n--
	}
	return bars[:n]
}

// TrueRange is the greatest of high-low, |high-prevClose| and |low-prevClose|.
func TrueRange(bar domain.Bar, prevClose float64) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prevClose)
	lc := math.Abs(bar.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR returns the Wilder-smoothed average true range over bars. The first
// bar only supplies a previous close, so at least period+1 bars are needed.
func ATR(bars []domain.Bar, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("indicator: atr: period must be >= 1, got %d", period)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("indicator: atr: need %d bars, have %d: %w", period+1, len(bars), domain.ErrNoData)
	}

	var seed float64
	for i := 1; i <= period; i++ {
		seed += TrueRange(bars[i], bars[i-1].Close)
	}
	atr := seed / float64(period)

	for i := period + 1; i < len(bars); i++ {
		tr := TrueRange(bars[i], bars[i-1].Close)
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

// SwingLow returns the lowest low across the last lookback bars.
func SwingLow(bars []domain.Bar, lookback int) (float64, error) {
	if lookback < 1 {
		return 0, fmt.Errorf("indicator: swing low: lookback must be >= 1, got %d", lookback)
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("indicator: swing low: %w", domain.ErrNoData)
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	low := bars[start].Low
	for _, b := range bars[start+1:] {
		if b.Low < low {
			low = b.Low
		}
	}
	return low, nil
}
