package fyers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/crypto"
	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// TokenStore persists session tokens between restarts.
type TokenStore interface {
	Load() (access, refresh string, err error)
	Save(access, refresh string) error
}

// TokenConfig holds the credentials needed to renew an access token.
type TokenConfig struct {
	APIHost      string
	AppID        string
	SecretKey    string
	Pin          string
	AccessToken  string
	RefreshToken string
	Timeout      time.Duration
}

// TokenManager owns the Fyers access token and renews it from the refresh
// token. It implements TokenSource and domain.TokenRefresher.
type TokenManager struct {
	refreshMu sync.Mutex // serializes refreshes

	mu          sync.RWMutex
	access      string
	refresh     string
	refreshedAt time.Time

	appID      string
	secret     string
	pin        string
	refreshURL string
	store      TokenStore
	httpClient *http.Client
	onRefresh  func(ctx context.Context, err error)
	logger     *slog.Logger
}

var (
	_ TokenSource           = (*TokenManager)(nil)
	_ domain.TokenRefresher = (*TokenManager)(nil)
)

// NewTokenManager creates a TokenManager seeded with the configured tokens.
// store may be nil.
func NewTokenManager(cfg TokenConfig, store TokenStore, logger *slog.Logger) *TokenManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TokenManager{
		access:     cfg.AccessToken,
		refresh:    cfg.RefreshToken,
		appID:      cfg.AppID,
		secret:     cfg.SecretKey,
		pin:        cfg.Pin,
		refreshURL: cfg.APIHost + "/api/v3/validate-refresh-token",
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "fyers_token")),
	}
}

// OnRefresh registers fn to run after every refresh attempt. It must be
// called before the manager is shared.
func (m *TokenManager) OnRefresh(fn func(ctx context.Context, err error)) {
	m.onRefresh = fn
}

// Load replaces the configured tokens with any newer ones from the store.
func (m *TokenManager) Load() error {
	if m.store == nil {
		return nil
	}
	access, refresh, err := m.store.Load()
	if errors.Is(err, crypto.ErrNoTokens) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fyers: load tokens: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if access != "" {
		m.access = access
	}
	if refresh != "" {
		m.refresh = refresh
	}
	return nil
}

// AccessToken returns the current access token.
func (m *TokenManager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access
}

// RefreshedAt returns when the token was last renewed, or zero.
func (m *TokenManager) RefreshedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshedAt
}

// Refresh unconditionally exchanges the refresh token for a new access token.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.doRefresh(ctx)
}

// RefreshIfStale refreshes only if the current token is still stale.
func (m *TokenManager) RefreshIfStale(ctx context.Context, stale string) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.AccessToken() != stale {
		return nil
	}
	return m.doRefresh(ctx)
}

// RunRefresher renews the token every interval until ctx is cancelled.
func (m *TokenManager) RunRefresher(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.ErrorContext(ctx, "scheduled token refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *TokenManager) doRefresh(ctx context.Context) error {
	err := m.exchange(ctx)
	if m.onRefresh != nil {
		m.onRefresh(ctx, err)
	}
	return err
}

func (m *TokenManager) exchange(ctx context.Context) error {
	m.mu.RLock()
	refresh := m.refresh
	m.mu.RUnlock()
	if refresh == "" {
		return fmt.Errorf("fyers: no refresh token configured: %w", domain.ErrUnauthorized)
	}

	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		AppIDHash:    crypto.AppIDHash(m.appID, m.secret),
		RefreshToken: refresh,
		Pin:          m.pin,
	})
	if err != nil {
		return fmt.Errorf("fyers: marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fyers: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fyers: refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fyers: read refresh response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("fyers: refresh token: %w", err)
	}
	var out refreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("fyers: decode refresh response: %w", err)
	}
	if err := out.check(); err != nil {
		return fmt.Errorf("fyers: refresh token: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("fyers: refresh response has no access token: %w", domain.ErrUnauthorized)
	}

	m.mu.Lock()
	m.access = out.AccessToken
	m.refreshedAt = time.Now()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(out.AccessToken, refresh); err != nil {
			m.logger.ErrorContext(ctx, "persisting refreshed token failed", slog.String("error", err.Error()))
		}
	}
	m.logger.InfoContext(ctx, "access token refreshed")
	return nil
}
