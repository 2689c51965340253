package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// ExitManual sells the whole position in symbol at market and closes it as
// EXIT_MANUAL.
func (e *Engine) ExitManual(ctx context.Context, symbol string) (domain.Position, error) {
	return e.exit(ctx, symbol, domain.PositionStatusExitManual, ReasonManual, e.lastPrice(ctx, symbol))
}

// lastPrice prefers a live quote and falls back to the price cache. Zero
// means unknown.
func (e *Engine) lastPrice(ctx context.Context, symbol string) float64 {
	if px, err := e.ltp(ctx, symbol); err == nil {
		return px
	}
	if e.prices == nil {
		return 0
	}
	px, _, err := e.prices.GetPrice(ctx, symbol)
	if err != nil {
		return 0
	}
	return px
}

// exit places a market sell for the full quantity and, once the broker
// confirms, closes the position. On failure the position stays open for the
// next cycle.
func (e *Engine) exit(ctx context.Context, symbol string, status domain.PositionStatus, reason string, ltp float64) (domain.Position, error) {
	logger := e.logger.With(slog.String("symbol", symbol), slog.String("status", string(status)))

	pos, err := e.beginExit(ctx, symbol)
	if err != nil {
		return domain.Position{}, err
	}

	callCtx, cancel := e.callCtx(ctx)
	res, err := e.broker.PlaceOrder(callCtx, domain.OrderRequest{
		Symbol:   symbol,
		Side:     domain.OrderSideSell,
		Quantity: pos.Quantity,
		Tag:      "exit",
	})
	cancel()
	if err == nil && !res.Confirmed() {
		err = fmt.Errorf("%w: %s", domain.ErrOrderRejected, res.Message)
	}
	if err != nil {
		e.endExit(ctx, symbol)
		level := slog.LevelError
		if errors.Is(err, domain.ErrRateLimited) {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "exit order failed, will retry",
			slog.String("reason", reason),
			slog.Float64("ltp", ltp),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("engine: exit %s: %w", symbol, err)
	}

	price := res.FilledPrice
	if price <= 0 {
		price = ltp
	}
	closed, err := e.closePosition(ctx, pos.ID, symbol, status, price, reason, res.OrderID)
	if err != nil {
		logger.ErrorContext(ctx, "sold but could not record close",
			slog.String("order_id", res.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, err
	}

	logger.InfoContext(ctx, "position closed",
		slog.String("reason", reason),
		slog.Float64("entry", closed.EntryPrice),
		slog.Float64("exit", price),
		slog.Float64("pnl", closed.PnL()),
	)
	return closed, nil
}
