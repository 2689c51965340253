package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/indicator"
	"github.com/alanyoungcy/screenerbot/internal/risk"
)

// Rejection reasons, in the order the checks run.
const (
	ReasonAfterCutoff        = "after_cutoff"
	ReasonDuplicate          = "duplicate"
	ReasonMaxPositions       = "max_positions"
	ReasonPriceUnavailable   = "price_unavailable"
	ReasonTooFarAboveTrigger = "too_far_above_trigger"
	ReasonNoBarData          = "no_bar_data"
	ReasonOrderFailed        = "order_failed"
	ReasonPersistFailed      = "persist_failed"
	ReasonEngineStopped      = "engine_stopped"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Symbol   string           `json:"symbol"`
	Admitted bool             `json:"admitted"`
	Reason   string           `json:"reason,omitempty"`
	Position *domain.Position `json:"position,omitempty"`
}

// AdmitAll evaluates every signal concurrently and returns the decisions in
// input order.
func (e *Engine) AdmitAll(ctx context.Context, signals []domain.Signal) []Decision {
	out := make([]Decision, len(signals))
	var g errgroup.Group
	for i, sig := range signals {
		g.Go(func() error {
			out[i] = e.Admit(ctx, sig)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Admit runs the entry checks for one signal and, if they pass, buys and
// records the position. A failed buy is not retried.
func (e *Engine) Admit(ctx context.Context, sig domain.Signal) Decision {
	logger := e.logger.With(slog.String("symbol", sig.Symbol))

	now := e.now()
	cutoff := atClock(now, e.cfg.location(), e.cfg.Cutoff)
	if !now.Before(cutoff) {
		return e.reject(ctx, sig, ReasonAfterCutoff, nil)
	}

	reason, err := e.reserve(ctx, sig.Symbol)
	if err != nil {
		return e.reject(ctx, sig, ReasonEngineStopped, err)
	}
	if reason != "" {
		return e.reject(ctx, sig, reason, nil)
	}
	defer e.release(ctx, sig.Symbol)

	ltp, err := e.ltp(ctx, sig.Symbol)
	if err != nil {
		return e.reject(ctx, sig, ReasonPriceUnavailable, err)
	}
	if ltp > sig.TriggerPrice*(1+e.cfg.PriceTolerance) {
		logger.InfoContext(ctx, "price ran away from trigger",
			slog.Float64("ltp", ltp),
			slog.Float64("trigger", sig.TriggerPrice),
		)
		return e.reject(ctx, sig, ReasonTooFarAboveTrigger, nil)
	}

	closed, err := e.closedBars(ctx, sig.Symbol, e.cfg.Stops.BarsNeeded())
	if err != nil {
		return e.reject(ctx, sig, ReasonNoBarData, err)
	}
	levels, err := risk.Compute(e.cfg.Stops, ltp, closed)
	if err != nil {
		return e.reject(ctx, sig, ReasonNoBarData, err)
	}
	qty := e.cfg.Sizer.Quantity(ltp, levels.Stop)

	callCtx, cancel := e.callCtx(ctx)
	res, err := e.broker.PlaceOrder(callCtx, domain.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     domain.OrderSideBuy,
		Quantity: qty,
		Tag:      "entry",
	})
	cancel()
	if err == nil && !res.Confirmed() {
		err = errors.Join(domain.ErrOrderRejected, errors.New(res.Message))
	}
	if err != nil {
		logger.ErrorContext(ctx, "entry order failed",
			slog.Int64("qty", qty),
			slog.String("error", err.Error()),
		)
		return e.reject(ctx, sig, ReasonOrderFailed, nil)
	}

	entry := res.FilledPrice
	if entry <= 0 {
		entry = ltp
	}
	if entry != ltp {
		if lv, err := risk.Compute(e.cfg.Stops, entry, closed); err == nil {
			levels = lv
		}
	}

	pos := domain.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		EntryPrice:   entry,
		Quantity:     qty,
		StopPrice:    levels.Stop,
		TargetPrice:  levels.Target,
		InitialStop:  levels.Stop,
		StopMethod:   levels.Method,
		ATR:          levels.ATR,
		TriggerPrice: sig.TriggerPrice,
		OpenedAt:     e.now().UTC(),
		Status:       domain.PositionStatusOpen,
		EntryOrderID: res.OrderID,
	}
	if err := e.openPosition(ctx, pos); err != nil {
		// The broker holds shares the journal does not know about.
		logger.ErrorContext(ctx, "bought but could not record position",
			slog.String("order_id", res.OrderID),
			slog.Int64("qty", qty),
			slog.String("error", err.Error()),
		)
		return e.reject(ctx, sig, ReasonPersistFailed, nil)
	}

	logger.InfoContext(ctx, "position opened",
		slog.Float64("entry", pos.EntryPrice),
		slog.Int64("qty", pos.Quantity),
		slog.Float64("stop", pos.StopPrice),
		slog.Float64("target", pos.TargetPrice),
		slog.String("stop_method", pos.StopMethod),
	)
	e.emit(ctx, domain.EventPositionOpened, pos.Symbol, "", &pos)
	return Decision{Symbol: sig.Symbol, Admitted: true, Position: &pos}
}

func (e *Engine) reject(ctx context.Context, sig domain.Signal, reason string, cause error) Decision {
	attrs := []any{
		slog.String("symbol", sig.Symbol),
		slog.String("reason", reason),
		slog.Float64("trigger", sig.TriggerPrice),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	e.logger.InfoContext(ctx, "entry rejected", attrs...)
	e.emit(ctx, domain.EventEntryRejected, sig.Symbol, reason, nil)
	return Decision{Symbol: sig.Symbol, Reason: reason}
}

func (e *Engine) ltp(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	px, err := e.broker.LTP(callCtx, symbol)
	if err != nil {
		return 0, err
	}
	if px <= 0 {
		return 0, domain.ErrNoData
	}
	return px, nil
}

// closedBars fetches candles and drops the forming one. need is the minimum
// number of closed bars; zero skips the fetch entirely.
func (e *Engine) closedBars(ctx context.Context, symbol string, need int) ([]domain.Bar, error) {
	if need <= 0 {
		return nil, nil
	}
	count := e.cfg.BarCount
	if count < need+1 {
		count = need + 1
	}
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	bars, err := e.broker.Candles(callCtx, symbol, e.cfg.BarInterval, count)
	if err != nil {
		return nil, err
	}
	closed := indicator.ClosedBars(bars, e.cfg.BarInterval, e.now())
	if len(closed) < need {
		return nil, domain.ErrNoData
	}
	return closed, nil
}
