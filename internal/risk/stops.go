// Package risk derives protective stops, profit targets and order quantities
// for new long positions.
package risk

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/indicator"
)

// Stop methods.
const (
	MethodATR      = "atr"
	MethodSwingLow = "swing_low"
	MethodPercent  = "percent"
)

// StopParams configures the stop/target policy.
type StopParams struct {
	Method         string
	ATRPeriod      int
	ATRMultiplier  float64
	TargetMultiple float64
	MinDistancePct float64
	SwingLookback  int
	SwingBufferPct float64
	RewardRatio    float64
	StopPct        float64
	TargetPct      float64
}

// Levels is the outcome of a stop policy.
type Levels struct {
	Stop   float64
	Target float64
	// ATR is zero unless the atr method computed it.
	ATR    float64
	Method string
}

// BarsNeeded reports how many closed bars admission must see before entry.
// The percent method uses none for its levels but still needs one so a
// symbol without recent data is rejected.
func (p StopParams) BarsNeeded() int {
	if p.Method == MethodATR {
		return p.ATRPeriod + 1
	}
	return 1
}

// Compute applies the configured method to an entry price and the closed bars
// preceding it. A method that yields a stop at or above entry degrades to the
// percent method.
func Compute(p StopParams, entry float64, closed []domain.Bar) (Levels, error) {
	if entry <= 0 {
		return Levels{}, fmt.Errorf("risk: compute: entry must be > 0, got %v", entry)
	}

	var (
		lv  Levels
		err error
	)
	switch p.Method {
	case MethodATR:
		var atr float64
		atr, err = indicator.ATR(closed, p.ATRPeriod)
		if err == nil {
			lv = ATRLevels(entry, atr, p.ATRMultiplier, p.TargetMultiple, p.MinDistancePct)
		}
	case MethodSwingLow:
		var low float64
		low, err = indicator.SwingLow(closed, p.SwingLookback)
		if err == nil {
			lv = SwingLevels(entry, low, p.SwingBufferPct, p.RewardRatio)
		}
	case MethodPercent:
		lv = PercentLevels(entry, p.StopPct, p.TargetPct)
	default:
		return Levels{}, fmt.Errorf("risk: compute: unknown stop method %q", p.Method)
	}
	if err != nil {
		return Levels{}, fmt.Errorf("risk: compute %s: %w", p.Method, err)
	}

	if lv.Stop >= entry || lv.Stop <= 0 || lv.Target <= entry {
		lv = PercentLevels(entry, p.StopPct, p.TargetPct)
	}
	return lv, nil
}

// ATRLevels places the stop mult ATRs below entry, but never closer than
// minDistancePct of entry, and the target targetMult ATRs above.
func ATRLevels(entry, atr, mult, targetMult, minDistancePct float64) Levels {
	dist := math.Max(mult*atr, entry*minDistancePct)
	return Levels{
		Stop:   entry - dist,
		Target: entry + targetMult*atr,
		ATR:    atr,
		Method: MethodATR,
	}
}

// SwingLevels places the stop a buffer below the swing low and the target at
// rewardRatio times the resulting risk.
func SwingLevels(entry, swingLow, bufferPct, rewardRatio float64) Levels {
	stop := swingLow - bufferPct*entry
	return Levels{
		Stop:   stop,
		Target: entry + rewardRatio*(entry-stop),
		Method: MethodSwingLow,
	}
}

// PercentLevels is the fixed-percentage fallback.
func PercentLevels(entry, stopPct, targetPct float64) Levels {
	return Levels{
		Stop:   entry * (1 - stopPct),
		Target: entry * (1 + targetPct),
		Method: MethodPercent,
	}
}
