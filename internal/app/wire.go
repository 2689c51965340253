package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/screenerbot/internal/blob/s3"
	"github.com/alanyoungcy/screenerbot/internal/cache/redis"
	"github.com/alanyoungcy/screenerbot/internal/config"
	"github.com/alanyoungcy/screenerbot/internal/crypto"
	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/events/kafka"
	"github.com/alanyoungcy/screenerbot/internal/journal"
	"github.com/alanyoungcy/screenerbot/internal/notify"
	"github.com/alanyoungcy/screenerbot/internal/platform/fyers"
	"github.com/alanyoungcy/screenerbot/internal/platform/paper"
	"github.com/alanyoungcy/screenerbot/internal/service"
	"github.com/alanyoungcy/screenerbot/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores; nil when supabase is disabled.
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore
	ReportStore   domain.ReportStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil when s3 is disabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Publisher is nil when kafka is disabled.
	Publisher service.EventPublisher

	// Broker and journal
	Broker  domain.Broker
	Tokens  *fyers.TokenManager // nil without broker credentials
	Journal *journal.Journal

	// Notifications
	Notifier *notify.Notifier
}

// needsBroker reports whether the mode places or reconciles orders.
func needsBroker(mode string) bool {
	return mode != "report"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL mirror (optional) ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:          cfg.Supabase.DSN,
			Host:         cfg.Supabase.Host,
			Port:         cfg.Supabase.Port,
			Database:     cfg.Supabase.Database,
			User:         cfg.Supabase.User,
			Password:     cfg.Supabase.Password,
			SSLMode:      cfg.Supabase.SSLMode,
			MaxConns:     cfg.Supabase.PoolMaxConns,
			MinConns:     cfg.Supabase.PoolMinConns,
			ConnectTries: cfg.Supabase.ConnectTries,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.ReportStore = postgres.NewReportStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MaxRetries:   cfg.Redis.MaxRetries,
		TLSEnabled:   cfg.Redis.TLSEnabled,
		StreamMaxLen: int64(cfg.Redis.StreamMaxLen),
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	// Prices live for the trading day; a restart the next morning starts clean.
	deps.PriceCache = redis.NewPriceCache(redisClient, priceTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 report archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
	}

	// --- Kafka (optional) ---
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		closers = append(closers, func() { _ = producer.Close() })
		deps.Publisher = producer
	}

	// --- Broker ---
	if needsBroker(cfg.Mode) {
		if err := wireBroker(ctx, cfg, deps, logger); err != nil {
			return fail(err)
		}
		wal, err := journal.Open(cfg.Journal.Path, cfg.Journal.Fsync)
		if err != nil {
			return fail(fmt.Errorf("wire: journal: %w", err))
		}
		closers = append(closers, func() { _ = wal.Close() })
		deps.Journal = wal
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.SMTPHost != "" && len(cfg.Notify.Recipients) > 0 {
		senders = append(senders, notify.NewEmailSender(notify.EmailConfig{
			Host:       cfg.Notify.SMTPHost,
			Port:       cfg.Notify.SMTPPort,
			User:       cfg.Notify.SMTPUser,
			Password:   cfg.Notify.SMTPPassword,
			From:       cfg.Notify.EmailFrom,
			Recipients: cfg.Notify.Recipients,
		}))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireBroker picks the live Fyers client or the paper broker. Paper trading
// takes real quotes from Fyers when credentials exist and otherwise runs on
// the synthetic feed.
func wireBroker(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	var client *fyers.Client
	if cfg.Broker.AppID != "" {
		var store fyers.TokenStore
		if cfg.Broker.VaultPassword != "" {
			store = crypto.NewVault(cfg.Broker.VaultPath, cfg.Broker.VaultPassword)
		}
		tokens := fyers.NewTokenManager(fyers.TokenConfig{
			APIHost:      cfg.Broker.APIHost,
			AppID:        cfg.Broker.AppID,
			SecretKey:    cfg.Broker.SecretKey,
			Pin:          cfg.Broker.Pin,
			AccessToken:  cfg.Broker.AccessToken,
			RefreshToken: cfg.Broker.RefreshToken,
			Timeout:      cfg.Broker.Timeout.Duration,
		}, store, logger)
		if err := tokens.Load(); err != nil {
			return fmt.Errorf("wire: broker tokens: %w", err)
		}
		if tokens.AccessToken() == "" && cfg.Broker.RefreshToken != "" {
			if err := tokens.Refresh(ctx); err != nil {
				logger.WarnContext(ctx, "initial token refresh failed", slog.String("error", err.Error()))
			}
		}
		deps.Tokens = tokens
		client = fyers.NewClient(fyers.Config{
			APIHost:       cfg.Broker.APIHost,
			DataHost:      cfg.Broker.DataHost,
			AppID:         cfg.Broker.AppID,
			ProductType:   cfg.Market.ProductType,
			Timeout:       cfg.Broker.Timeout.Duration,
			RatePerSecond: cfg.Broker.RatePerSecond,
			Burst:         cfg.Broker.Burst,
		}, tokens, logger)
	}

	if cfg.Live() {
		if client == nil {
			return fmt.Errorf("wire: live trading requires broker.app_id")
		}
		deps.Broker = client
		return nil
	}

	var data domain.MarketData = client
	if client == nil {
		data = paper.NewSyntheticFeed(deps.PriceCache, cfg.Paper.Volatility, cfg.Paper.Seed)
	}
	deps.Broker = paper.NewBroker(data, paper.Config{
		SlippageBps: cfg.Paper.SlippageBps,
		Latency:     cfg.Paper.Latency.Duration,
	}, logger)
	return nil
}
