// Package fyers implements domain.Broker against the Fyers v3 REST API.
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
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"golang.org/x/time/rate"
)

// Auth failure codes reported in Fyers response bodies.
var authCodes = map[int]bool{-8: true, -15: true, -16: true, -17: true}

// TokenSource supplies the current access token and renews it on demand.
type TokenSource interface {
	AccessToken() string
	// RefreshIfStale renews the token unless it has already changed from
	// stale, so concurrent callers refresh once.
	RefreshIfStale(ctx context.Context, stale string) error
}

// StaticToken is a TokenSource that never refreshes.
type StaticToken string

func (s StaticToken) AccessToken() string { return string(s) }

func (s StaticToken) RefreshIfStale(context.Context, string) error {
	return fmt.Errorf("fyers: static token cannot be refreshed: %w", domain.ErrUnauthorized)
}

// Config holds the endpoints and limits for a Client.
type Config struct {
	APIHost       string // e.g. "https://api-t1.fyers.in"
	DataHost      string // e.g. "https://api-t1.fyers.in"
	AppID         string
	ProductType   string // "INTRADAY"
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Client is the REST client for the Fyers trading API.
type Client struct {
	apiHost     string
	dataHost    string
	appID       string
	productType string
	tokens      TokenSource
	httpClient  *http.Client
	limiter     *rate.Limiter
	now         func() time.Time
	logger      *slog.Logger
}

var _ domain.Broker = (*Client)(nil)

// NewClient creates a new Fyers REST client.
func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.ProductType == "" {
		cfg.ProductType = "INTRADAY"
	}
	if cfg.DataHost == "" {
		cfg.DataHost = cfg.APIHost
	}
	return &Client{
		apiHost:     cfg.APIHost,
		dataHost:    cfg.DataHost,
		appID:       cfg.AppID,
		productType: cfg.ProductType,
		tokens:      tokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "fyers")),
	}
}

// LTP returns the last traded price for a fully qualified symbol.
func (c *Client) LTP(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbols", symbol)

	var resp quotesResponse
	if err := c.do(ctx, http.MethodGet, c.dataHost+"/data/quotes?"+params.Encode(), nil, &resp); err != nil {
		return 0, fmt.Errorf("fyers: quote %s: %w", symbol, err)
	}
	for _, q := range resp.D {
		if q.N != symbol && len(resp.D) > 1 {
			continue
		}
		if q.S != "" && q.S != "ok" {
			break
		}
		if q.V.LP > 0 {
			return q.V.LP, nil
		}
	}
	return 0, fmt.Errorf("fyers: quote %s: %w", symbol, domain.ErrNoData)
}

// Candles returns up to count most recent bars of the given interval, oldest
// first. The last bar may still be forming.
func (c *Client) Candles(ctx context.Context, symbol string, interval time.Duration, count int) ([]domain.Bar, error) {
	if count <= 0 {
		return nil, nil
	}
	now := c.now()
	// Pad the range so weekends and holidays still leave enough bars.
	from := now.Add(-time.Duration(count)*interval - 4*24*time.Hour)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("resolution", resolution(interval))
	params.Set("date_format", "0")
	params.Set("range_from", strconv.FormatInt(from.Unix(), 10))
	params.Set("range_to", strconv.FormatInt(now.Unix(), 10))
	params.Set("cont_flag", "1")

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, c.dataHost+"/data/history?"+params.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("fyers: history %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		if len(row) < 5 {
			continue
		}
		b := domain.Bar{
			Time:  time.Unix(int64(row[0]), 0).UTC(),
			Open:  row[1],
			High:  row[2],
			Low:   row[3],
			Close: row[4],
		}
		if len(row) > 5 {
			b.Volume = int64(row[5])
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("fyers: history %s: %w", symbol, domain.ErrNoData)
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// PlaceOrder submits an intraday market order. A business rejection from the
// exchange is returned as a rejected OrderResult with a nil error; transport
// and auth failures are returned as errors.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	side := 1
	if req.Side == domain.OrderSideSell {
		side = -1
	}
	body := orderRequest{
		Symbol:      req.Symbol,
		Qty:         req.Quantity,
		Type:        2,
		Side:        side,
		ProductType: c.productType,
		Validity:    "DAY",
		OrderTag:    req.Tag,
	}

	var resp orderResponse
	err := c.do(ctx, http.MethodPost, c.apiHost+"/api/v3/orders/sync", body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return domain.OrderResult{
			Status:   domain.OrderStatusRejected,
			Message:  apiErr.Message,
			PlacedAt: c.now(),
		}, nil
	}
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("fyers: place order %s %s: %w", req.Side, req.Symbol, err)
	}

	result := domain.OrderResult{
		OrderID:  resp.ID,
		Status:   domain.OrderStatusFilled,
		Message:  resp.Message,
		PlacedAt: c.now(),
	}
	if resp.ID == "" {
		result.Status = domain.OrderStatusRejected
		return result, nil
	}
	c.lookupFill(ctx, &result)
	return result, nil
}

// lookupFill refines result from the order book. Lookup failures leave the
// market order as filled without a price.
func (c *Client) lookupFill(ctx context.Context, result *domain.OrderResult) {
	params := url.Values{}
	params.Set("id", result.OrderID)

	var resp orderBookResponse
	if err := c.do(ctx, http.MethodGet, c.apiHost+"/api/v3/orders?"+params.Encode(), nil, &resp); err != nil {
		c.logger.WarnContext(ctx, "order lookup failed",
			slog.String("order_id", result.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, o := range resp.OrderBook {
		if o.ID != "" && o.ID != result.OrderID {
			continue
		}
		switch o.Status {
		case orderStatusRejected, orderStatusCancelled:
			result.Status = domain.OrderStatusRejected
			if o.Message != "" {
				result.Message = o.Message
			}
		case orderStatusFilled:
			result.FilledPrice = o.TradedPrice
		}
		return
	}
}

// Positions returns the broker's net positions for the day.
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var resp positionsResponse
	if err := c.do(ctx, http.MethodGet, c.apiHost+"/api/v3/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("fyers: positions: %w", err)
	}
	out := make([]domain.BrokerPosition, 0, len(resp.NetPositions))
	for _, p := range resp.NetPositions {
		out = append(out, domain.BrokerPosition{Symbol: p.Symbol, NetQty: p.NetQty})
	}
	return out, nil
}

// do performs a request and, on an auth failure, refreshes the token once
// and retries.
func (c *Client) do(ctx context.Context, method, fullURL string, reqBody, out any) error {
	token, err := c.send(ctx, method, fullURL, reqBody, out)
	if err == nil || !errors.Is(err, domain.ErrUnauthorized) {
		return err
	}
	c.logger.WarnContext(ctx, "broker rejected token, refreshing", slog.String("error", err.Error()))
	if rerr := c.tokens.RefreshIfStale(ctx, token); rerr != nil {
		return errors.Join(err, rerr)
	}
	_, err = c.send(ctx, method, fullURL, reqBody, out)
	return err
}

// enveloped is implemented by every response type via the embedded apiStatus.
type enveloped interface {
	check() error
}

func (c *Client) send(ctx context.Context, method, fullURL string, reqBody, out any) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return "", fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	token := c.tokens.AccessToken()
	req.Header.Set("Authorization", c.appID+":"+token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return token, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return token, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return token, err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return token, fmt.Errorf("decode response: %w", err)
	}
	if env, ok := out.(enveloped); ok {
		if err := env.check(); err != nil {
			return token, err
		}
	}
	return token, nil
}

// checkHTTPStatus maps non-2xx HTTP status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var st apiStatus
	_ = json.Unmarshal(body, &st)

	switch statusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %s: %w", statusCode, st.Message, domain.ErrUnauthorized)
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		if err := st.check(); err != nil {
			return fmt.Errorf("HTTP %d: %w", statusCode, err)
		}
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
}

// check maps an error envelope to a domain error or *APIError.
func (s apiStatus) check() error {
	if s.S != "error" && s.Code >= 0 {
		return nil
	}
	switch {
	case authCodes[s.Code]:
		return fmt.Errorf("code %d: %s: %w", s.Code, s.Message, domain.ErrUnauthorized)
	case s.Code == 429:
		return domain.ErrRateLimited
	default:
		return &APIError{Code: s.Code, Message: s.Message}
	}
}

// resolution converts a bar interval to the Fyers resolution parameter.
func resolution(interval time.Duration) string {
	if interval >= 24*time.Hour {
		return "D"
	}
	m := int(interval / time.Minute)
	if m < 1 {
		m = 1
	}
	return strconv.Itoa(m)
}
