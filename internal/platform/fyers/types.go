package fyers

import "fmt"

// --------------------------------------------------------------------------
// Fyers API DTOs
// --------------------------------------------------------------------------

// apiStatus is the envelope every Fyers response carries.
type apiStatus struct {
	S       string `json:"s"` // "ok" or "error"
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// quotesResponse is returned by GET /data/quotes.
type quotesResponse struct {
	apiStatus
	D []quoteEntry `json:"d"`
}

type quoteEntry struct {
	N string `json:"n"` // symbol
	S string `json:"s"`
	V struct {
		LP float64 `json:"lp"` // last traded price
	} `json:"v"`
}

// historyResponse is returned by GET /data/history. Each candle is
// [epoch, open, high, low, close, volume].
type historyResponse struct {
	apiStatus
	Candles [][]float64 `json:"candles"`
}

// orderRequest is the body for POST /api/v3/orders/sync.
type orderRequest struct {
	Symbol       string  `json:"symbol"`
	Qty          int64   `json:"qty"`
	Type         int     `json:"type"` // 2 = market
	Side         int     `json:"side"` // 1 = buy, -1 = sell
	ProductType  string  `json:"productType"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Validity     string  `json:"validity"`
	DisclosedQty int64   `json:"disclosedQty"`
	OfflineOrder bool    `json:"offlineOrder"`
	OrderTag     string  `json:"orderTag,omitempty"`
}

type orderResponse struct {
	apiStatus
	ID string `json:"id"`
}

// orderBookResponse is returned by GET /api/v3/orders?id=.
type orderBookResponse struct {
	apiStatus
	OrderBook []orderBookEntry `json:"orderBook"`
}

type orderBookEntry struct {
	ID          string  `json:"id"`
	Status      int     `json:"status"`
	TradedPrice float64 `json:"tradedPrice"`
	Message     string  `json:"message"`
}

// Order book status codes.
const (
	orderStatusCancelled = 1
	orderStatusFilled    = 2
	orderStatusRejected  = 5
	orderStatusPending   = 6
)

type positionsResponse struct {
	apiStatus
	NetPositions []struct {
		Symbol string `json:"symbol"`
		NetQty int64  `json:"netQty"`
	} `json:"netPositions"`
}

// refreshRequest is the body for POST /api/v3/validate-refresh-token.
type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	AppIDHash    string `json:"appIdHash"`
	RefreshToken string `json:"refresh_token"`
	Pin          string `json:"pin"`
}

type refreshResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
}

// APIError is a non-auth, non-rate-limit error reported in a Fyers response
// body.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fyers: api error %d: %s", e.Code, e.Message)
}
