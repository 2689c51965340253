// Package app provides the top-level application lifecycle for the screener
// relay. It wires together all dependencies (stores, caches, blob storage,
// broker, engine and notifications) and starts the goroutines the configured
// run mode needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/config"
	"github.com/alanyoungcy/screenerbot/internal/engine"
	"github.com/alanyoungcy/screenerbot/internal/risk"
)

// priceTTL bounds how long a cached last price survives.
const priceTTL = 18 * time.Hour

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// mode finishes or the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("trading_mode", a.cfg.TradingMode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "full":
		return a.FullMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	case "squareoff":
		return a.SquareOffMode(ctx, deps)
	case "report":
		return a.ReportMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// engineConfig derives the engine's immutable settings.
func engineConfig(cfg *config.Config) engine.Config {
	brackets := make([]risk.Bracket, len(cfg.Sizing.Brackets))
	for i, b := range cfg.Sizing.Brackets {
		brackets[i] = risk.Bracket{MaxPrice: b.MaxPrice, Quantity: b.Quantity}
	}
	return engine.Config{
		Location:         cfg.Location(),
		Cutoff:           cfg.Entry.Cutoff.Duration,
		PriceTolerance:   cfg.Entry.PriceTolerance,
		MaxOpenPositions: cfg.Entry.MaxOpenPositions,
		Stops: risk.StopParams{
			Method:         cfg.Stops.Method,
			ATRPeriod:      cfg.Stops.ATRPeriod,
			ATRMultiplier:  cfg.Stops.ATRMultiplier,
			TargetMultiple: cfg.Stops.TargetMultiple,
			MinDistancePct: cfg.Stops.MinDistancePct,
			SwingLookback:  cfg.Stops.SwingLookback,
			SwingBufferPct: cfg.Stops.SwingBufferPct,
			RewardRatio:    cfg.Stops.RewardRatio,
			StopPct:        cfg.Stops.StopPct,
			TargetPct:      cfg.Stops.TargetPct,
		},
		Sizer: risk.Sizer{
			Method:          cfg.Sizing.Method,
			MaxCapital:      cfg.Sizing.MaxCapital,
			RiskFraction:    cfg.Sizing.RiskFraction,
			Brackets:        brackets,
			DefaultQuantity: cfg.Sizing.DefaultQuantity,
		},
		BarInterval: cfg.Stops.BarInterval.Duration,
		BarCount:    cfg.Stops.BarCount,
		Trail: engine.TrailConfig{
			Enabled:  cfg.Trail.Enabled,
			StartPct: cfg.Trail.StartPct,
			Mode:     cfg.Trail.Mode,
			Pct:      cfg.Trail.Pct,
			ATRMult:  cfg.Trail.ATRMult,
		},
		PollInterval: cfg.Exit.PollInterval.Duration,
		Workers:      cfg.Exit.Workers,
		MaxHold:      cfg.Exit.MaxHold.Duration,
		BarStop: engine.BarStopConfig{
			Enabled:   cfg.Exit.BarStop.Enabled,
			Threshold: cfg.Exit.BarStop.Threshold,
		},
		BrokerTimeout: cfg.Broker.Timeout.Duration,
	}
}

func reconcileConfig(cfg *config.Config) engine.ReconcileConfig {
	return engine.ReconcileConfig{
		Start:        cfg.EOD.Start.Duration,
		Deadline:     cfg.EOD.Deadline.Duration,
		PollInterval: cfg.EOD.PollInterval.Duration,
	}
}
