// Package config defines the top-level configuration for the screener relay
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // exchange timezone on hosts without zoneinfo
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SCREENERBOT_* environment variables.
// It is built once at startup and treated as read-only afterwards.
type Config struct {
	Market      MarketConfig   `toml:"market"`
	Entry       EntryConfig    `toml:"entry"`
	Sizing      SizingConfig   `toml:"sizing"`
	Stops       StopsConfig    `toml:"stops"`
	Trail       TrailConfig    `toml:"trail"`
	Exit        ExitConfig     `toml:"exit"`
	EOD         EODConfig      `toml:"eod"`
	Journal     JournalConfig  `toml:"journal"`
	Broker      BrokerConfig   `toml:"broker"`
	Paper       PaperConfig    `toml:"paper"`
	Supabase    SupabaseConfig `toml:"supabase"`
	Redis       RedisConfig    `toml:"redis"`
	S3          S3Config       `toml:"s3"`
	Kafka       KafkaConfig    `toml:"kafka"`
	Server      ServerConfig   `toml:"server"`
	Notify      NotifyConfig   `toml:"notify"`
	Mode        string         `toml:"mode"`
	TradingMode string         `toml:"trading_mode"`
	LogLevel    string         `toml:"log_level"`
}

// MarketConfig describes the exchange the relay trades on.
type MarketConfig struct {
	Timezone     string `toml:"timezone"`
	SymbolPrefix string `toml:"symbol_prefix"`
	SymbolSuffix string `toml:"symbol_suffix"`
	ProductType  string `toml:"product_type"`
	SessionOpen  clock  `toml:"session_open"`
	SessionClose clock  `toml:"session_close"`
}

// EntryConfig gates new positions.
type EntryConfig struct {
	Cutoff           clock   `toml:"cutoff"`
	PriceTolerance   float64 `toml:"price_tolerance"`
	MaxOpenPositions int     `toml:"max_open_positions"`
}

// PriceBracket maps prices below MaxPrice to a fixed quantity.
type PriceBracket struct {
	MaxPrice float64 `toml:"max_price"`
	Quantity int64   `toml:"quantity"`
}

// SizingConfig selects how many shares an admitted entry buys.
type SizingConfig struct {
	// Method is "risk" (default) or "bracket".
	Method          string         `toml:"method"`
	MaxCapital      float64        `toml:"max_capital"`
	RiskFraction    float64        `toml:"risk_fraction"`
	Brackets        []PriceBracket `toml:"brackets"`
	DefaultQuantity int64          `toml:"default_quantity"`
}

// StopsConfig holds the stop/target policy parameters.
type StopsConfig struct {
	// Method is "atr", "swing_low" or "percent".
	Method         string   `toml:"method"`
	ATRPeriod      int      `toml:"atr_period"`
	ATRMultiplier  float64  `toml:"atr_multiplier"`
	TargetMultiple float64  `toml:"target_multiplier"`
	MinDistancePct float64  `toml:"min_distance_pct"`
	SwingLookback  int      `toml:"swing_lookback"`
	SwingBufferPct float64  `toml:"swing_buffer_pct"`
	RewardRatio    float64  `toml:"reward_ratio"`
	StopPct        float64  `toml:"stop_pct"`
	TargetPct      float64  `toml:"target_pct"`
	BarInterval    duration `toml:"bar_interval"`
	BarCount       int      `toml:"bar_count"`
}

// TrailConfig controls the trailing-stop ratchet.
type TrailConfig struct {
	Enabled  bool    `toml:"enabled"`
	StartPct float64 `toml:"start_pct"`
	// Mode is "percent" or "atr".
	Mode    string  `toml:"mode"`
	Pct     float64 `toml:"pct"`
	ATRMult float64 `toml:"atr_mult"`
}

// BarStopConfig controls the confirmed-bar stop.
type BarStopConfig struct {
	Enabled   bool    `toml:"enabled"`
	Threshold float64 `toml:"threshold"`
}

// ExitConfig controls the exit monitoring loop.
type ExitConfig struct {
	PollInterval duration      `toml:"poll_interval"`
	Workers      int           `toml:"workers"`
	MaxHold      duration      `toml:"max_hold"`
	BarStop      BarStopConfig `toml:"bar_stop"`
}

// EODConfig controls end-of-day reconciliation.
type EODConfig struct {
	Enabled      bool     `toml:"enabled"`
	Start        clock    `toml:"start"`
	Deadline     clock    `toml:"deadline"`
	PollInterval duration `toml:"poll_interval"`
}

// JournalConfig locates the write-ahead journal of position mutations.
type JournalConfig struct {
	Path  string `toml:"path"`
	Fsync bool   `toml:"fsync"`
}

// BrokerConfig holds broker API credentials and client tuning.
type BrokerConfig struct {
	Provider             string   `toml:"provider"`
	AppID                string   `toml:"app_id"`
	SecretKey            string   `toml:"secret_key"`
	AccessToken          string   `toml:"access_token"`
	RefreshToken         string   `toml:"refresh_token"`
	Pin                  string   `toml:"pin"`
	APIHost              string   `toml:"api_host"`
	DataHost             string   `toml:"data_host"`
	Timeout              duration `toml:"timeout"`
	RatePerSecond        float64  `toml:"rate_per_second"`
	Burst                int      `toml:"burst"`
	VaultPath            string   `toml:"vault_path"`
	VaultPassword        string   `toml:"vault_password"`
	TokenRefreshInterval duration `toml:"token_refresh_interval"`
}

// PaperConfig tunes the simulated broker.
type PaperConfig struct {
	SlippageBps float64  `toml:"slippage_bps"`
	Latency     duration `toml:"latency"`
	Volatility  float64  `toml:"volatility"`
	Seed        int64    `toml:"seed"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	ConnectTries  int    `toml:"connect_tries"`
	WriteRetries  int    `toml:"write_retries"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ReportPrefix   string `toml:"report_prefix"`
}

// KafkaConfig configures the position event publisher.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// clock is a time of day such as "15:10", stored as an offset from midnight.
type clock struct {
	time.Duration
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return clock{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return clock{time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute}, nil
}

// UnmarshalText parses "HH:MM".
func (c *clock) UnmarshalText(text []byte) error {
	parsed, err := parseClock(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText renders "HH:MM".
func (c clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// On returns the wall-clock instant for this time of day on t's calendar date,
// in t's location.
func (c clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Add(c.Duration)
}

func (c clock) String() string {
	m := int(c.Duration / time.Minute)
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	APIKey         string   `toml:"api_key"`
	AlertSecret    string   `toml:"alert_secret"`
	AlertRateLimit int      `toml:"alert_rate_limit"`
	AlertWindow    duration `toml:"alert_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	SMTPHost          string   `toml:"smtp_host"`
	SMTPPort          int      `toml:"smtp_port"`
	SMTPUser          string   `toml:"smtp_user"`
	SMTPPassword      string   `toml:"smtp_password"`
	EmailFrom         string   `toml:"email_from"`
	Recipients        []string `toml:"recipients"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			Timezone:     "Asia/Kolkata",
			SymbolPrefix: "NSE:",
			SymbolSuffix: "-EQ",
			ProductType:  "INTRADAY",
			SessionOpen:  clock{9*time.Hour + 15*time.Minute},
			SessionClose: clock{15*time.Hour + 30*time.Minute},
		},
		Entry: EntryConfig{
			Cutoff:         clock{15*time.Hour + 10*time.Minute},
			PriceTolerance: 0.02,
		},
		Sizing: SizingConfig{
			Method:       "risk",
			MaxCapital:   20000,
			RiskFraction: 0.01,
			Brackets: []PriceBracket{
				{MaxPrice: 200, Quantity: 10},
				{MaxPrice: 600, Quantity: 5},
			},
			DefaultQuantity: 1,
		},
		Stops: StopsConfig{
			Method:         "atr",
			ATRPeriod:      14,
			ATRMultiplier:  1.5,
			TargetMultiple: 2.0,
			MinDistancePct: 0.002,
			SwingLookback:  10,
			SwingBufferPct: 0.001,
			RewardRatio:    2.0,
			StopPct:        0.005,
			TargetPct:      0.04,
			BarInterval:    duration{5 * time.Minute},
			BarCount:       30,
		},
		Trail: TrailConfig{
			Enabled:  true,
			StartPct: 0.005,
			Mode:     "percent",
			Pct:      0.005,
			ATRMult:  1.0,
		},
		Exit: ExitConfig{
			PollInterval: duration{10 * time.Second},
			Workers:      20,
			MaxHold:      duration{3 * time.Hour},
			BarStop: BarStopConfig{
				Enabled:   false,
				Threshold: 0.003,
			},
		},
		EOD: EODConfig{
			Enabled:      true,
			Start:        clock{15*time.Hour + 20*time.Minute},
			Deadline:     clock{15*time.Hour + 30*time.Minute},
			PollInterval: duration{15 * time.Second},
		},
		Journal: JournalConfig{
			Path:  "data/positions.wal",
			Fsync: true,
		},
		Broker: BrokerConfig{
			Provider:             "fyers",
			APIHost:              "https://api-t1.fyers.in",
			DataHost:             "https://api-t1.fyers.in",
			Timeout:              duration{5 * time.Second},
			RatePerSecond:        8,
			Burst:                4,
			VaultPath:            "data/tokens.json",
			TokenRefreshInterval: duration{23 * time.Hour},
		},
		Paper: PaperConfig{
			SlippageBps: 5,
			Volatility:  0.002,
		},
		Supabase: SupabaseConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "require",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
			ConnectTries:  3,
			WriteRetries:  3,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "screenerbot-reports",
			ForcePathStyle: true,
			ReportPrefix:   "reports",
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "position-events",
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			AlertRateLimit: 60,
			AlertWindow:    duration{time.Minute},
		},
		Notify: NotifyConfig{
			SMTPPort: 587,
			Events:   []string{"position_opened", "position_closed", "daily_report", "persistence_error"},
		},
		Mode:        "full",
		TradingMode: "simulate",
		LogLevel:    "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":      true,
	"monitor":   true,
	"squareoff": true,
	"report":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Location resolves the exchange timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Live reports whether orders go to the real broker.
func (c *Config) Live() bool {
	return strings.EqualFold(c.TradingMode, "live")
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor, squareoff, report)", c.Mode))
	}
	switch strings.ToLower(c.TradingMode) {
	case "simulate", "live":
	default:
		errs = append(errs, fmt.Sprintf("unknown trading_mode %q (valid: simulate, live)", c.TradingMode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("market: timezone %q: %v", c.Market.Timezone, err))
	}

	// Entry
	if c.Entry.PriceTolerance < 0 {
		errs = append(errs, "entry: price_tolerance must be >= 0")
	}
	if c.Entry.MaxOpenPositions < 0 {
		errs = append(errs, "entry: max_open_positions must be >= 0")
	}

	// Sizing
	switch c.Sizing.Method {
	case "risk":
		if c.Sizing.MaxCapital <= 0 {
			errs = append(errs, "sizing: max_capital must be > 0")
		}
		if c.Sizing.RiskFraction <= 0 || c.Sizing.RiskFraction >= 1 {
			errs = append(errs, "sizing: risk_fraction must be in (0, 1)")
		}
	case "bracket":
		if c.Sizing.DefaultQuantity < 1 {
			errs = append(errs, "sizing: default_quantity must be >= 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("sizing: unknown method %q (valid: risk, bracket)", c.Sizing.Method))
	}

	// Stops
	switch c.Stops.Method {
	case "atr":
		if c.Stops.ATRPeriod < 1 {
			errs = append(errs, "stops: atr_period must be >= 1")
		}
		if c.Stops.ATRMultiplier <= 0 || c.Stops.TargetMultiple <= 0 {
			errs = append(errs, "stops: atr_multiplier and target_multiplier must be > 0")
		}
	case "swing_low":
		if c.Stops.SwingLookback < 1 {
			errs = append(errs, "stops: swing_lookback must be >= 1")
		}
		if c.Stops.RewardRatio <= 0 {
			errs = append(errs, "stops: reward_ratio must be > 0")
		}
	case "percent":
	default:
		errs = append(errs, fmt.Sprintf("stops: unknown method %q (valid: atr, swing_low, percent)", c.Stops.Method))
	}
	if c.Stops.StopPct <= 0 || c.Stops.StopPct >= 1 {
		errs = append(errs, "stops: stop_pct must be in (0, 1)")
	}
	if c.Stops.TargetPct <= 0 {
		errs = append(errs, "stops: target_pct must be > 0")
	}
	if c.Stops.BarInterval.Duration <= 0 {
		errs = append(errs, "stops: bar_interval must be > 0")
	}

	// Trail
	if c.Trail.Enabled {
		switch c.Trail.Mode {
		case "percent":
			if c.Trail.Pct <= 0 || c.Trail.Pct >= 1 {
				errs = append(errs, "trail: pct must be in (0, 1)")
			}
		case "atr":
			if c.Trail.ATRMult <= 0 {
				errs = append(errs, "trail: atr_mult must be > 0")
			}
		default:
			errs = append(errs, fmt.Sprintf("trail: unknown mode %q (valid: percent, atr)", c.Trail.Mode))
		}
	}

	// Exit
	if c.Exit.PollInterval.Duration <= 0 {
		errs = append(errs, "exit: poll_interval must be > 0")
	}
	if c.Exit.Workers < 1 {
		errs = append(errs, "exit: workers must be >= 1")
	}

	// EOD
	if c.EOD.Enabled && c.EOD.Deadline.Duration <= c.EOD.Start.Duration {
		errs = append(errs, "eod: deadline must be after start")
	}

	// Journal
	if strings.TrimSpace(c.Journal.Path) == "" {
		errs = append(errs, "journal: path must not be empty")
	}

	// Broker: live trading needs credentials.
	if c.Live() {
		if c.Broker.AppID == "" {
			errs = append(errs, "broker: app_id is required for live trading")
		}
		if c.Broker.AccessToken == "" && c.Broker.RefreshToken == "" && c.Broker.VaultPassword == "" {
			errs = append(errs, "broker: access_token, refresh_token or vault_password is required for live trading")
		}
	}
	if c.Broker.Timeout.Duration <= 0 {
		errs = append(errs, "broker: timeout must be > 0")
	}
	if c.Broker.RatePerSecond <= 0 {
		errs = append(errs, "broker: rate_per_second must be > 0")
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Kafka
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, "kafka: brokers and topic are required when enabled")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if len(c.Notify.Recipients) > 0 && (c.Notify.SMTPHost == "" || c.Notify.EmailFrom == "") {
		errs = append(errs, "notify: smtp_host and email_from are required when recipients are set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
