package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/engine"
	"github.com/alanyoungcy/screenerbot/internal/notify"
	"github.com/alanyoungcy/screenerbot/internal/server"
	"github.com/alanyoungcy/screenerbot/internal/server/handler"
	"github.com/alanyoungcy/screenerbot/internal/server/ws"
	"github.com/alanyoungcy/screenerbot/internal/service"
)

// core is the engine plus the services that hang off it.
type core struct {
	engine   *engine.Engine
	recorder *service.EventRecorder
	reports  *service.ReportService
}

// buildCore creates the event recorder, the engine and the report service,
// and replays the journal into the engine.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	recorder := service.NewEventRecorder(
		service.RecorderConfig{WriteRetries: a.cfg.Supabase.WriteRetries},
		deps.PositionStore, deps.AuditStore, deps.SignalBus, deps.Publisher, deps.Notifier, a.logger,
	)
	eng := engine.New(engineConfig(a.cfg), deps.Broker, deps.Journal, recorder, deps.PriceCache, a.logger)
	if err := eng.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore engine: %w", err)
	}
	return &core{
		engine:   eng,
		recorder: recorder,
		reports:  a.newReportService(deps, eng),
	}, nil
}

func (a *App) newReportService(deps *Dependencies, history service.ClosedHistory) *service.ReportService {
	return service.NewReportService(
		service.ReportConfig{Location: a.cfg.Location(), Prefix: a.cfg.S3.ReportPrefix},
		deps.PositionStore, deps.ReportStore, history, deps.BlobWriter, deps.BlobReader, deps.Notifier, a.logger,
	)
}

// reportHook generates the daily report once reconciliation completes.
func (a *App) reportHook(reports *service.ReportService) func(ctx context.Context, day time.Time) {
	return func(ctx context.Context, day time.Time) {
		if _, err := reports.Generate(ctx, day); err != nil {
			a.logger.ErrorContext(ctx, "daily report failed",
				slog.String("day", day.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runEngine starts the goroutines every engine-owning mode shares: the
// actor, the event recorder, the exit monitor, EOD reconciliation and the
// token refresher.
func (a *App) runEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	g.Go(func() error { return c.engine.Run(ctx) })
	g.Go(func() error { return c.recorder.Run(ctx) })

	monitor := engine.NewMonitor(c.engine, a.logger)
	g.Go(func() error { return monitor.Run(ctx) })

	if a.cfg.EOD.Enabled {
		rec := engine.NewReconciler(c.engine, deps.LockManager, reconcileConfig(a.cfg), a.reportHook(c.reports), a.logger)
		g.Go(func() error { return rec.Run(ctx) })
	}

	if deps.Tokens != nil {
		deps.Tokens.OnRefresh(func(ctx context.Context, err error) {
			if err != nil {
				_ = deps.Notifier.Notify(ctx, notify.EventTokenRefresh, "Broker token refresh failed", err.Error())
				return
			}
			_ = deps.Notifier.Notify(ctx, notify.EventTokenRefresh, "Broker token refreshed", "access token renewed")
		})
		if interval := a.cfg.Broker.TokenRefreshInterval.Duration; interval > 0 {
			g.Go(func() error { return deps.Tokens.RunRefresher(ctx, interval) })
		}
	}
}

// FullMode runs the alert server alongside the engine, exit monitor, EOD
// reconciliation and token refresher.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runEngine(ctx, g, deps, c)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, true)
	}
	return g.Wait()
}

// MonitorMode manages already-open positions without accepting new alerts.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runEngine(ctx, g, deps, c)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, false)
	}
	return g.Wait()
}

// SquareOffMode sells every open position now, clears local state, writes
// the daily report and returns.
func (a *App) SquareOffMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting square-off")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error { return c.recorder.Run(gctx) })

	rec := engine.NewReconciler(c.engine, deps.LockManager, reconcileConfig(a.cfg), a.reportHook(c.reports), a.logger)
	runErr := rec.RunOnce(gctx)

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: square off: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("app: square off: %w", runErr)
	}
	a.logger.InfoContext(ctx, "square-off complete")
	return nil
}

// ReportMode generates today's report from the Postgres mirror and returns.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting report mode")
	if deps.PositionStore == nil {
		return fmt.Errorf("app: report mode requires supabase.enabled")
	}

	rep, err := a.newReportService(deps, nil).Generate(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}
	a.logger.InfoContext(ctx, "report written",
		slog.Int("trades", rep.Trades),
		slog.String("gross_pnl", rep.GrossPnL),
	)
	return nil
}

// startHTTPServer adds the HTTP server and websocket hub to g. The server is
// shut down gracefully when ctx is cancelled. intake controls whether the
// alert routes are registered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, intake bool) {
	hub := ws.NewHub(deps.SignalBus, c.engine, ws.Config{
		Channels:       []string{service.ChannelPositions},
		Mode:           a.cfg.Mode,
		TradingMode:    a.cfg.TradingMode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(c.engine, a.cfg.Mode, a.cfg.TradingMode, a.logger),
		Positions: handler.NewPositionHandler(c.engine, deps.PriceCache, a.cfg.Market.SymbolPrefix, a.cfg.Market.SymbolSuffix, a.logger),
		Reports:   handler.NewReportHandler(c.reports, a.cfg.Location(), a.logger),
	}
	if intake {
		handlers.Alerts = handler.NewAlertHandler(c.engine, deps.PriceCache, handler.AlertConfig{
			SymbolPrefix:   a.cfg.Market.SymbolPrefix,
			SymbolSuffix:   a.cfg.Market.SymbolSuffix,
			RecordTriggers: !a.cfg.Live(),
		}, a.logger)
	}
	var refresher domain.TokenRefresher
	if deps.Tokens != nil {
		refresher = deps.Tokens
	}
	handlers.Token = handler.NewTokenHandler(refresher, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		AlertSecret: a.cfg.Server.AlertSecret,
		AlertLimit:  a.cfg.Server.AlertRateLimit,
		AlertWindow: a.cfg.Server.AlertWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
