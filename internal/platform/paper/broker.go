// Package paper provides a simulated broker for dry runs. Orders fill
// immediately against the market data feed with configurable slippage.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/google/uuid"
)

// Config controls fill simulation.
type Config struct {
	SlippageBps float64
	Latency     time.Duration
}

// Broker is an in-memory domain.Broker. Market data is delegated; fills and
// net positions are simulated.
type Broker struct {
	data        domain.MarketData
	slippageBps float64
	latency     time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	positions map[string]int64
}

var _ domain.Broker = (*Broker)(nil)

// NewBroker creates a paper broker that prices fills from data.
func NewBroker(data domain.MarketData, cfg Config, logger *slog.Logger) *Broker {
	return &Broker{
		data:        data,
		slippageBps: cfg.SlippageBps,
		latency:     cfg.Latency,
		logger:      logger.With(slog.String("component", "paper_broker")),
		positions:   make(map[string]int64),
	}
}

func (b *Broker) LTP(ctx context.Context, symbol string) (float64, error) {
	return b.data.LTP(ctx, symbol)
}

func (b *Broker) Candles(ctx context.Context, symbol string, interval time.Duration, count int) ([]domain.Bar, error) {
	return b.data.Candles(ctx, symbol, interval, count)
}

// PlaceOrder fills at the current LTP moved against the trader by the
// configured slippage.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Quantity <= 0 {
		return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "quantity must be positive"}, nil
	}
	if b.latency > 0 {
		select {
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		case <-time.After(b.latency):
		}
	}

	ltp, err := b.data.LTP(ctx, req.Symbol)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("paper: price %s: %w", req.Symbol, err)
	}

	mult := 1 + b.slippageBps/10000
	price := ltp * mult
	delta := req.Quantity
	if req.Side == domain.OrderSideSell {
		price = ltp / mult
		delta = -delta
	}

	b.mu.Lock()
	b.positions[req.Symbol] += delta
	net := b.positions[req.Symbol]
	b.mu.Unlock()

	id := "paper-" + uuid.NewString()
	b.logger.InfoContext(ctx, "paper fill",
		slog.String("order_id", id),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("qty", req.Quantity),
		slog.Float64("price", price),
		slog.Int64("net_qty", net),
	)
	return domain.OrderResult{
		OrderID:     id,
		Status:      domain.OrderStatusFilled,
		FilledPrice: price,
		PlacedAt:    time.Now(),
	}, nil
}

// Positions returns the simulated net quantity per traded symbol.
func (b *Broker) Positions(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for sym, qty := range b.positions {
		out = append(out, domain.BrokerPosition{Symbol: sym, NetQty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
