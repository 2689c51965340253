package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "15:10", cfg.Entry.Cutoff.String())
	assert.False(t, cfg.Live())
}

func TestParseClock(t *testing.T) {
	c, err := parseClock("15:10")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Hour+10*time.Minute, c.Duration)

	_, err = parseClock("3pm")
	require.Error(t, err)

	loc := time.FixedZone("IST", 5*3600+1800)
	day := time.Date(2024, 3, 4, 11, 22, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 4, 15, 10, 0, 0, loc), c.On(day))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "screenerbot.toml")
	body := `
mode = "monitor"

[entry]
cutoff = "14:45"

[stops]
method = "percent"
bar_interval = "15m"

[[sizing.brackets]]
max_price = 100
quantity = 20
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SCREENERBOT_TRADING_MODE", "live")
	t.Setenv("SCREENERBOT_BROKER_APP_ID", "APP-100")
	t.Setenv("SCREENERBOT_BROKER_ACCESS_TOKEN", "tok")
	t.Setenv("SCREENERBOT_EOD_START", "15:15")
	t.Setenv("SCREENERBOT_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "14:45", cfg.Entry.Cutoff.String())
	assert.Equal(t, "percent", cfg.Stops.Method)
	assert.Equal(t, 15*time.Minute, cfg.Stops.BarInterval.Duration)
	assert.Equal(t, []PriceBracket{{MaxPrice: 100, Quantity: 20}}, cfg.Sizing.Brackets)
	assert.True(t, cfg.Live())
	assert.Equal(t, "APP-100", cfg.Broker.AppID)
	assert.Equal(t, "15:15", cfg.EOD.Start.String())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// untouched sections keep their defaults
	assert.Equal(t, 20, cfg.Exit.Workers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Mode)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	cfg.Stops.Method = "fib"
	cfg.Exit.Workers = 0
	cfg.TradingMode = "live"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "paper"`)
	assert.Contains(t, msg, `stops: unknown method "fib"`)
	assert.Contains(t, msg, "exit: workers must be >= 1")
	assert.Contains(t, msg, "broker: app_id is required for live trading")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.AccessToken = "secret-token"
	cfg.Server.AlertSecret = "hook"
	cfg.Notify.Recipients = []string{"ops@example.com"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Broker.AccessToken)
	assert.Equal(t, "***", out.Server.AlertSecret)
	assert.Equal(t, "", out.Broker.Pin)
	assert.Equal(t, "secret-token", cfg.Broker.AccessToken)

	out.Notify.Recipients[0] = "changed"
	assert.Equal(t, "ops@example.com", cfg.Notify.Recipients[0])
}
