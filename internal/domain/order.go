package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the broker-reported state of a submitted order.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderRequest is an intraday market order for a whole quantity.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity int64
	Tag      string
}

// OrderResult wraps the broker response after order submission.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	FilledPrice float64
	Message     string
	PlacedAt    time.Time
}

// Confirmed reports whether the broker acknowledged the order as executed.
func (r OrderResult) Confirmed() bool {
	return r.Status == OrderStatusFilled && r.OrderID != ""
}

// BrokerPosition is the broker's view of net quantity held in a symbol.
type BrokerPosition struct {
	Symbol string
	NetQty int64
}

// MarketData supplies prices and candles.
type MarketData interface {
	LTP(ctx context.Context, symbol string) (float64, error)
	Candles(ctx context.Context, symbol string, interval time.Duration, count int) ([]Bar, error)
}

// Broker places orders and reports holdings in addition to market data.
type Broker interface {
	MarketData
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
}

// TokenRefresher renews an expired broker session.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}
