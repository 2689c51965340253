package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SCREENERBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// A missing file is not an error: defaults plus environment are enough to run
// the relay in simulate mode.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SCREENERBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market / entry ──
	setStr(&cfg.Market.Timezone, "SCREENERBOT_MARKET_TIMEZONE")
	setStr(&cfg.Market.SymbolPrefix, "SCREENERBOT_MARKET_SYMBOL_PREFIX")
	setStr(&cfg.Market.SymbolSuffix, "SCREENERBOT_MARKET_SYMBOL_SUFFIX")
	setClock(&cfg.Entry.Cutoff, "SCREENERBOT_ENTRY_CUTOFF")
	setFloat64(&cfg.Entry.PriceTolerance, "SCREENERBOT_ENTRY_PRICE_TOLERANCE")
	setInt(&cfg.Entry.MaxOpenPositions, "SCREENERBOT_ENTRY_MAX_OPEN_POSITIONS")

	// ── Sizing / stops ──
	setStr(&cfg.Sizing.Method, "SCREENERBOT_SIZING_METHOD")
	setFloat64(&cfg.Sizing.MaxCapital, "SCREENERBOT_SIZING_MAX_CAPITAL")
	setFloat64(&cfg.Sizing.RiskFraction, "SCREENERBOT_SIZING_RISK_FRACTION")
	setStr(&cfg.Stops.Method, "SCREENERBOT_STOPS_METHOD")
	setInt(&cfg.Stops.ATRPeriod, "SCREENERBOT_STOPS_ATR_PERIOD")
	setFloat64(&cfg.Stops.ATRMultiplier, "SCREENERBOT_STOPS_ATR_MULTIPLIER")
	setFloat64(&cfg.Stops.TargetMultiple, "SCREENERBOT_STOPS_TARGET_MULTIPLIER")
	setFloat64(&cfg.Stops.StopPct, "SCREENERBOT_STOPS_STOP_PCT")
	setFloat64(&cfg.Stops.TargetPct, "SCREENERBOT_STOPS_TARGET_PCT")

	// ── Trail / exit / eod ──
	setBool(&cfg.Trail.Enabled, "SCREENERBOT_TRAIL_ENABLED")
	setFloat64(&cfg.Trail.StartPct, "SCREENERBOT_TRAIL_START_PCT")
	setStr(&cfg.Trail.Mode, "SCREENERBOT_TRAIL_MODE")
	setFloat64(&cfg.Trail.Pct, "SCREENERBOT_TRAIL_PCT")
	setDuration(&cfg.Exit.PollInterval, "SCREENERBOT_EXIT_POLL_INTERVAL")
	setInt(&cfg.Exit.Workers, "SCREENERBOT_EXIT_WORKERS")
	setDuration(&cfg.Exit.MaxHold, "SCREENERBOT_EXIT_MAX_HOLD")
	setBool(&cfg.Exit.BarStop.Enabled, "SCREENERBOT_EXIT_BAR_STOP_ENABLED")
	setBool(&cfg.EOD.Enabled, "SCREENERBOT_EOD_ENABLED")
	setClock(&cfg.EOD.Start, "SCREENERBOT_EOD_START")
	setClock(&cfg.EOD.Deadline, "SCREENERBOT_EOD_DEADLINE")

	// ── Journal ──
	setStr(&cfg.Journal.Path, "SCREENERBOT_JOURNAL_PATH")

	// ── Broker ──
	setStr(&cfg.Broker.AppID, "SCREENERBOT_BROKER_APP_ID")
	setStr(&cfg.Broker.SecretKey, "SCREENERBOT_BROKER_SECRET_KEY")
	setStr(&cfg.Broker.AccessToken, "SCREENERBOT_BROKER_ACCESS_TOKEN")
	setStr(&cfg.Broker.RefreshToken, "SCREENERBOT_BROKER_REFRESH_TOKEN")
	setStr(&cfg.Broker.Pin, "SCREENERBOT_BROKER_PIN")
	setStr(&cfg.Broker.APIHost, "SCREENERBOT_BROKER_API_HOST")
	setStr(&cfg.Broker.DataHost, "SCREENERBOT_BROKER_DATA_HOST")
	setDuration(&cfg.Broker.Timeout, "SCREENERBOT_BROKER_TIMEOUT")
	setStr(&cfg.Broker.VaultPath, "SCREENERBOT_BROKER_VAULT_PATH")
	setStr(&cfg.Broker.VaultPassword, "SCREENERBOT_BROKER_VAULT_PASSWORD")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "SCREENERBOT_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "SCREENERBOT_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "SCREENERBOT_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SCREENERBOT_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SCREENERBOT_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SCREENERBOT_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SCREENERBOT_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SCREENERBOT_SUPABASE_SSL_MODE")
	setBool(&cfg.Supabase.RunMigrations, "SCREENERBOT_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SCREENERBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SCREENERBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SCREENERBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SCREENERBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SCREENERBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SCREENERBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SCREENERBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SCREENERBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SCREENERBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SCREENERBOT_S3_SECRET_KEY")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "SCREENERBOT_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "SCREENERBOT_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "SCREENERBOT_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SCREENERBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SCREENERBOT_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port
	setStringSlice(&cfg.Server.CORSOrigins, "SCREENERBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SCREENERBOT_SERVER_API_KEY")
	setStr(&cfg.Server.AlertSecret, "SCREENERBOT_SERVER_ALERT_SECRET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SCREENERBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SCREENERBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SCREENERBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.SMTPHost, "SCREENERBOT_NOTIFY_SMTP_HOST")
	setInt(&cfg.Notify.SMTPPort, "SCREENERBOT_NOTIFY_SMTP_PORT")
	setStr(&cfg.Notify.SMTPUser, "SCREENERBOT_NOTIFY_SMTP_USER")
	setStr(&cfg.Notify.SMTPPassword, "SCREENERBOT_NOTIFY_SMTP_PASSWORD")
	setStr(&cfg.Notify.EmailFrom, "SCREENERBOT_NOTIFY_EMAIL_FROM")
	setStringSlice(&cfg.Notify.Recipients, "SCREENERBOT_NOTIFY_RECIPIENTS")
	setStringSlice(&cfg.Notify.Events, "SCREENERBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SCREENERBOT_MODE")
	setStr(&cfg.TradingMode, "SCREENERBOT_TRADING_MODE")
	setStr(&cfg.LogLevel, "SCREENERBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setClock(dst *clock, key string) {
	if v := os.Getenv(key); v != "" {
		if c, err := parseClock(v); err == nil {
			*dst = c
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
