package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// PositionLister returns the currently open positions.
type PositionLister interface {
	Snapshot(ctx context.Context) ([]domain.Position, error)
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	positions   PositionLister
	mode        string
	tradingMode string
	startedAt   time.Time
	logger      *slog.Logger
}

// NewHealthHandler creates a HealthHandler. positions may be nil.
func NewHealthHandler(positions PositionLister, mode, tradingMode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		positions:   positions,
		mode:        mode,
		tradingMode: tradingMode,
		startedAt:   time.Now(),
		logger:      logHandler(logger, "health"),
	}
}

// HealthCheck reports that the relay is running along with its modes and the
// number of open positions. A stopped engine reports -1 open positions.
// GET / and GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	open := 0
	if h.positions != nil {
		list, err := h.positions.Snapshot(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "snapshot failed", slog.String("error", err.Error()))
			open = -1
		} else {
			open = len(list)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"mode":           h.mode,
		"trading_mode":   h.tradingMode,
		"open_positions": open,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
