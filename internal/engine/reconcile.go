package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// ReconcileConfig schedules end-of-day reconciliation.
type ReconcileConfig struct {
	Start        time.Duration
	Deadline     time.Duration
	PollInterval time.Duration
}

// Reconciler flattens local state at the end of the trading day. It waits
// for the broker to report every tracked symbol flat, and at the deadline
// sells whatever remains and clears local state regardless of the outcome.
type Reconciler struct {
	engine     *Engine
	locks      domain.LockManager
	cfg        ReconcileConfig
	onComplete func(ctx context.Context, day time.Time)
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler. locks may be nil for a single
// instance; onComplete, if set, runs after each reconciliation (the daily
// report hook).
func NewReconciler(e *Engine, locks domain.LockManager, cfg ReconcileConfig, onComplete func(ctx context.Context, day time.Time), logger *slog.Logger) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Reconciler{
		engine:     e,
		locks:      locks,
		cfg:        cfg,
		onComplete: onComplete,
		logger:     logger.With(slog.String("component", "eod_reconciler")),
	}
}

// Run settles positions left from a closed session, then sleeps until each
// day's start time and reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	loc := r.engine.cfg.location()
	var lastDay string

	if err := r.CatchUp(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.ErrorContext(ctx, "catch-up reconciliation failed", slog.String("error", err.Error()))
	}

	for {
		now := r.engine.now().In(loc)
		start := atClock(now, loc, r.cfg.Start)
		deadline := atClock(now, loc, r.cfg.Deadline)
		if !now.Before(deadline) || now.Format(time.DateOnly) == lastDay {
			start = start.AddDate(0, 0, 1)
			deadline = deadline.AddDate(0, 0, 1)
		}

		wait := start.Sub(now)
		if wait < 0 {
			wait = 0
		}
		r.logger.InfoContext(ctx, "next reconciliation scheduled",
			slog.Time("start", start),
			slog.Time("deadline", deadline),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		lastDay = start.Format(time.DateOnly)
		if err := r.reconcile(ctx, deadline); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "reconciliation failed", slog.String("error", err.Error()))
		}
	}
}

// CatchUp reconciles at once when an open position was opened before the
// most recent deadline that has already passed, as after a restart past the
// close. The whole book is cleared, as at any deadline.
func (r *Reconciler) CatchUp(ctx context.Context) error {
	e := r.engine
	loc := e.cfg.location()
	now := e.now().In(loc)
	deadline := atClock(now, loc, r.cfg.Deadline)
	if now.Before(deadline) {
		deadline = deadline.AddDate(0, 0, -1)
	}

	open, err := e.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: catch up: %w", err)
	}
	stale := 0
	for _, p := range open {
		if p.OpenedAt.Before(deadline) {
			stale++
		}
	}
	if stale == 0 {
		return nil
	}
	r.logger.WarnContext(ctx, "positions left from a closed session",
		slog.Int("stale", stale),
		slog.Int("open", len(open)),
		slog.Time("deadline", deadline),
	)
	return r.reconcile(ctx, deadline)
}

// RunOnce squares off immediately, skipping the wait for broker flatness.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	return r.reconcile(ctx, r.engine.now())
}

func (r *Reconciler) reconcile(ctx context.Context, deadline time.Time) error {
	day := deadline.In(r.engine.cfg.location())
	if r.locks != nil {
		ttl := time.Until(deadline) + 5*time.Minute
		if ttl < time.Minute {
			ttl = time.Minute
		}
		unlock, err := r.locks.Acquire(ctx, "eod:"+day.Format(time.DateOnly), ttl)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.InfoContext(ctx, "another instance is reconciling", slog.String("day", day.Format(time.DateOnly)))
			return nil
		}
		if err != nil {
			return fmt.Errorf("engine: reconcile lock: %w", err)
		}
		defer unlock()
	}

	cleared, err := r.flatten(ctx, deadline)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "end of day reconciled", slog.Int("cleared", len(cleared)))

	if r.onComplete != nil {
		r.onComplete(ctx, day)
	}
	return nil
}

// flatten polls until the broker is flat or the deadline passes, then clears.
func (r *Reconciler) flatten(ctx context.Context, deadline time.Time) ([]domain.Position, error) {
	e := r.engine
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		open, err := e.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: reconcile: %w", err)
		}
		if len(open) == 0 {
			return nil, nil
		}

		flat, err := r.brokerFlat(ctx, open)
		if err != nil {
			r.logger.WarnContext(ctx, "broker positions unavailable", slog.String("error", err.Error()))
		}
		if err == nil && flat {
			prices := make(map[string]float64, len(open))
			for _, p := range open {
				if px := e.lastPrice(ctx, p.Symbol); px > 0 {
					prices[p.Symbol] = px
				}
			}
			return e.Clear(ctx, ReasonEODSquareOff, prices)
		}
		if !e.now().Before(deadline) {
			return r.squareOff(ctx, open)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) brokerFlat(ctx context.Context, open []domain.Position) (bool, error) {
	e := r.engine
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	held, err := e.broker.Positions(callCtx)
	if err != nil {
		return false, err
	}
	net := make(map[string]int64, len(held))
	for _, h := range held {
		net[h.Symbol] += h.NetQty
	}
	for _, p := range open {
		if net[p.Symbol] != 0 {
			return false, nil
		}
	}
	return true, nil
}

// squareOff sends one sell per remaining position, best effort, then clears.
func (r *Reconciler) squareOff(ctx context.Context, open []domain.Position) ([]domain.Position, error) {
	e := r.engine
	prices := make(map[string]float64, len(open))
	for _, p := range open {
		ltp := e.lastPrice(ctx, p.Symbol)
		if ltp > 0 {
			prices[p.Symbol] = ltp
		}

		callCtx, cancel := e.callCtx(ctx)
		res, err := e.broker.PlaceOrder(callCtx, domain.OrderRequest{
			Symbol:   p.Symbol,
			Side:     domain.OrderSideSell,
			Quantity: p.Quantity,
			Tag:      "eod",
		})
		cancel()
		if err == nil && !res.Confirmed() {
			err = fmt.Errorf("%w: %s", domain.ErrOrderRejected, res.Message)
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "square-off order failed",
				slog.String("symbol", p.Symbol),
				slog.Int64("qty", p.Quantity),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.FilledPrice > 0 {
			prices[p.Symbol] = res.FilledPrice
		}
	}
	return e.Clear(ctx, ReasonEODSquareOff, prices)
}
