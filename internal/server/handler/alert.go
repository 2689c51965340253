package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/engine"
	"github.com/alanyoungcy/screenerbot/internal/intake"
)

// Admitter runs entry admission for a batch of signals.
type Admitter interface {
	AdmitAll(ctx context.Context, signals []domain.Signal) []engine.Decision
}

// AlertConfig tunes the alert endpoint.
type AlertConfig struct {
	SymbolPrefix string
	SymbolSuffix string
	// RecordTriggers stores each trigger price in the price cache before
	// admission. The paper feed starts its walk from there.
	RecordTriggers bool
	MaxBodyBytes   int64
}

// AlertHandler receives screener webhooks.
type AlertHandler struct {
	admitter Admitter
	prices   domain.PriceCache
	cfg      AlertConfig
	logger   *slog.Logger
}

// NewAlertHandler creates an AlertHandler. prices may be nil.
func NewAlertHandler(admitter Admitter, prices domain.PriceCache, cfg AlertConfig, logger *slog.Logger) *AlertHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &AlertHandler{
		admitter: admitter,
		prices:   prices,
		cfg:      cfg,
		logger:   logHandler(logger, "alert"),
	}
}

type rejection struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

type alertResponse struct {
	Received  int               `json:"received"`
	Admitted  int               `json:"admitted"`
	Rejected  []rejection       `json:"rejected"`
	Decisions []engine.Decision `json:"decisions"`
}

// Receive parses the payload and runs admission for every signal in it.
// POST /api/alerts and POST /chartink
func (h *AlertHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	signals, err := intake.Parse(body,
		intake.WithExchange(h.cfg.SymbolPrefix, h.cfg.SymbolSuffix),
		intake.WithDropHandler(func(d intake.Drop) {
			h.logger.WarnContext(r.Context(), "alert entry dropped",
				slog.String("symbol", d.Symbol),
				slog.String("price", d.Price),
				slog.String("reason", d.Reason),
			)
		}),
	)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedPayload) {
			h.logger.WarnContext(r.Context(), "malformed alert", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to parse payload")
		return
	}

	h.logger.InfoContext(r.Context(), "alert received", slog.Int("signals", len(signals)))

	resp := alertResponse{
		Received:  len(signals),
		Rejected:  []rejection{},
		Decisions: []engine.Decision{},
	}
	if len(signals) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// A disconnecting screener must not abandon an order mid-flight.
	ctx := context.WithoutCancel(r.Context())
	if h.cfg.RecordTriggers && h.prices != nil {
		now := time.Now()
		for _, sig := range signals {
			if err := h.prices.SetPrice(ctx, sig.Symbol, sig.TriggerPrice, now); err != nil {
				h.logger.WarnContext(ctx, "record trigger price failed",
					slog.String("symbol", sig.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	resp.Decisions = h.admitter.AdmitAll(ctx, signals)
	for _, d := range resp.Decisions {
		if d.Admitted {
			resp.Admitted++
			continue
		}
		resp.Rejected = append(resp.Rejected, rejection{Symbol: d.Symbol, Reason: d.Reason})
	}
	writeJSON(w, http.StatusOK, resp)
}
