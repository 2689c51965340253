// Package server exposes the relay's HTTP and websocket API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/server/handler"
	"github.com/alanyoungcy/screenerbot/internal/server/middleware"
	"github.com/alanyoungcy/screenerbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	AlertSecret string
	AlertLimit  int
	AlertWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Alerts    *handler.AlertHandler
	Positions *handler.PositionHandler
	Token     *handler.TokenHandler
	Reports   *handler.ReportHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// alertPaths bypass API-key auth; screeners cannot send custom headers.
var alertPaths = map[string]bool{
	"/api/alerts": true,
	"/chartink":   true,
}

var publicPaths = map[string]bool{
	"/":           true,
	"/api/health": true,
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /{$}", handlers.Health.HealthCheck)
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	if handlers.Alerts != nil {
		alerts := middleware.RateLimit(limiter, "alerts", cfg.AlertLimit, cfg.AlertWindow, logger)(
			middleware.AlertSecret(cfg.AlertSecret)(http.HandlerFunc(handlers.Alerts.Receive)),
		)
		mux.Handle("POST /api/alerts", alerts)
		mux.Handle("POST /chartink", alerts)
	}

	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("POST /api/positions/{symbol}/exit", handlers.Positions.ExitPosition)
	}

	if handlers.Token != nil {
		mux.HandleFunc("GET /api/token/refresh", handlers.Token.Refresh)
		mux.HandleFunc("POST /api/token/refresh", handlers.Token.Refresh)
		mux.HandleFunc("GET /refresh_token", handlers.Token.Refresh)
	}

	if handlers.Reports != nil {
		mux.HandleFunc("GET /api/report", handlers.Reports.Generate)
		mux.HandleFunc("GET /api/reports/{date}", handlers.Reports.Get)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, isPublic)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

func isPublic(r *http.Request) bool {
	return alertPaths[r.URL.Path] || publicPaths[r.URL.Path]
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
