package engine

import (
	"time"

	"github.com/alanyoungcy/screenerbot/internal/risk"
)

// Config is the engine's immutable view of the relay configuration. It is
// assembled once by the app layer and passed by value.
type Config struct {
	Location         *time.Location
	Cutoff           time.Duration
	PriceTolerance   float64
	MaxOpenPositions int

	Stops       risk.StopParams
	Sizer       risk.Sizer
	BarInterval time.Duration
	BarCount    int

	Trail        TrailConfig
	PollInterval time.Duration
	Workers      int
	MaxHold      time.Duration
	BarStop      BarStopConfig

	BrokerTimeout time.Duration
}

// TrailConfig controls the trailing-stop ratchet.
type TrailConfig struct {
	Enabled  bool
	StartPct float64
	Mode     string
	Pct      float64
	ATRMult  float64
}

// BarStopConfig controls the confirmed-bar stop.
type BarStopConfig struct {
	Enabled   bool
	Threshold float64
}

// Trail modes.
const (
	TrailPercent = "percent"
	TrailATR     = "atr"
)

// atClock returns the instant offset from midnight on t's date in loc.
func atClock(t time.Time, loc *time.Location, offset time.Duration) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(offset)
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c Config) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

func (c Config) brokerTimeout() time.Duration {
	if c.BrokerTimeout <= 0 {
		return 5 * time.Second
	}
	return c.BrokerTimeout
}
