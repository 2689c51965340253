package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// TokenHandler forces a broker session refresh.
type TokenHandler struct {
	refresher domain.TokenRefresher
	logger    *slog.Logger
}

// NewTokenHandler creates a TokenHandler. A nil refresher answers 501.
func NewTokenHandler(refresher domain.TokenRefresher, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{refresher: refresher, logger: logHandler(logger, "token")}
}

// Refresh renews the broker access token.
// GET|POST /api/token/refresh and GET /refresh_token
func (h *TokenHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		writeError(w, http.StatusNotImplemented, "broker has no token to refresh")
		return
	}
	if err := h.refresher.Refresh(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "token refresh failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"refreshed_at": time.Now().UTC().Format(time.RFC3339),
	})
}
