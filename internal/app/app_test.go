package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/screenerbot/internal/config"
	"github.com/alanyoungcy/screenerbot/internal/risk"
)

func TestEngineConfigFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	ec := engineConfig(&cfg)

	assert.Equal(t, "Asia/Kolkata", ec.Location.String())
	assert.Equal(t, 15*time.Hour+10*time.Minute, ec.Cutoff)
	assert.InDelta(t, 0.02, ec.PriceTolerance, 1e-9)

	assert.Equal(t, "risk", ec.Sizer.Method)
	assert.InDelta(t, 20000, ec.Sizer.MaxCapital, 1e-9)
	assert.Equal(t, []risk.Bracket{{MaxPrice: 200, Quantity: 10}, {MaxPrice: 600, Quantity: 5}}, ec.Sizer.Brackets)
	assert.Equal(t, int64(1), ec.Sizer.DefaultQuantity)

	assert.Equal(t, "atr", ec.Stops.Method)
	assert.Equal(t, 14, ec.Stops.ATRPeriod)
	assert.InDelta(t, 1.5, ec.Stops.ATRMultiplier, 1e-9)
	assert.Equal(t, 5*time.Minute, ec.BarInterval)
	assert.Equal(t, 30, ec.BarCount)

	assert.True(t, ec.Trail.Enabled)
	assert.Equal(t, "percent", ec.Trail.Mode)
	assert.Equal(t, 10*time.Second, ec.PollInterval)
	assert.Equal(t, 20, ec.Workers)
	assert.Equal(t, 3*time.Hour, ec.MaxHold)
	assert.False(t, ec.BarStop.Enabled)
	assert.Equal(t, 5*time.Second, ec.BrokerTimeout)
}

func TestEngineConfigCopiesBrackets(t *testing.T) {
	cfg := config.Defaults()
	ec := engineConfig(&cfg)
	cfg.Sizing.Brackets[0].Quantity = 99
	require.Len(t, ec.Sizer.Brackets, 2)
	assert.Equal(t, int64(10), ec.Sizer.Brackets[0].Quantity)
}

func TestReconcileConfigFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	rc := reconcileConfig(&cfg)
	assert.Equal(t, 15*time.Hour+20*time.Minute, rc.Start)
	assert.Equal(t, 15*time.Hour+30*time.Minute, rc.Deadline)
	assert.Equal(t, 15*time.Second, rc.PollInterval)
}

func TestNeedsBroker(t *testing.T) {
	assert.True(t, needsBroker("full"))
	assert.True(t, needsBroker("monitor"))
	assert.True(t, needsBroker("squareoff"))
	assert.False(t, needsBroker("report"))
}
