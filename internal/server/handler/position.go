package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/engine"
	"github.com/alanyoungcy/screenerbot/internal/intake"
)

// PositionEngine defines the engine methods the position handler requires.
type PositionEngine interface {
	PositionLister
	ExitManual(ctx context.Context, symbol string) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	engine       PositionEngine
	prices       domain.PriceCache
	symbolPrefix string
	symbolSuffix string
	logger       *slog.Logger
}

// NewPositionHandler creates a PositionHandler. prices may be nil, in which
// case positions are returned without a last price.
func NewPositionHandler(eng PositionEngine, prices domain.PriceCache, symbolPrefix, symbolSuffix string, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		engine:       eng,
		prices:       prices,
		symbolPrefix: symbolPrefix,
		symbolSuffix: symbolSuffix,
		logger:       logHandler(logger, "positions"),
	}
}

type positionView struct {
	domain.Position
	LastPrice     *float64 `json:"last_price,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns the open positions with the last cached price.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	open, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	var last map[string]float64
	if h.prices != nil && len(open) > 0 {
		symbols := make([]string, len(open))
		for i, p := range open {
			symbols[i] = p.Symbol
		}
		last, err = h.prices.GetPrices(r.Context(), symbols)
		if err != nil {
			h.logger.WarnContext(r.Context(), "price lookup failed", slog.String("error", err.Error()))
		}
	}

	out := make([]positionView, len(open))
	for i, p := range open {
		out[i] = positionView{Position: p}
		if px, ok := last[p.Symbol]; ok {
			pnl := (px - p.EntryPrice) * float64(p.Quantity)
			out[i].LastPrice = &px
			out[i].UnrealizedPnL = &pnl
		}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out})
}

// ExitPosition sells the whole position in a symbol at market.
// POST /api/positions/{symbol}/exit
func (h *PositionHandler) ExitPosition(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	symbol = intake.Qualify(symbol, h.symbolPrefix, h.symbolSuffix)

	closed, err := h.engine.ExitManual(context.WithoutCancel(r.Context()), symbol)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, closed)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no open position for "+symbol)
	case errors.Is(err, engine.ErrExitInFlight):
		writeError(w, http.StatusConflict, "exit already in flight for "+symbol)
	case errors.Is(err, domain.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "manual exit failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "exit order failed; position remains open")
	}
}
