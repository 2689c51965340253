package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{Addr: addr, StreamMaxLen: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	t.Run("price cache", func(t *testing.T) {
		pc := NewPriceCache(client, time.Hour)
		ts := time.Unix(1700000000, 123)
		require.NoError(t, pc.SetPrice(ctx, "NSE:ABC-EQ", 812.5, ts))

		price, got, err := pc.GetPrice(ctx, "NSE:ABC-EQ")
		require.NoError(t, err)
		assert.InDelta(t, 812.5, price, 1e-9)
		assert.True(t, ts.Equal(got))

		_, _, err = pc.GetPrice(ctx, "NSE:NONE-EQ")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		prices, err := pc.GetPrices(ctx, []string{"NSE:ABC-EQ", "NSE:NONE-EQ"})
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"NSE:ABC-EQ": 812.5}, prices)

		ttl, err := client.Underlying().TTL(ctx, priceKey("NSE:ABC-EQ")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("lock", func(t *testing.T) {
		lm := NewLockManager(client)
		unlock, err := lm.Acquire(ctx, "eod:2026-03-02", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "eod:2026-03-02", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		unlock()
		unlock()
		again, err := lm.Acquire(ctx, "eod:2026-03-02", time.Minute)
		require.NoError(t, err)
		again()
	})

	t.Run("rate limiter", func(t *testing.T) {
		rl := NewRateLimiter(client)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "alerts:10.0.0.1", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "request %d", i)
		}
		ok, err := rl.Allow(ctx, "alerts:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = rl.Allow(ctx, "alerts:10.0.0.2", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("signal bus", func(t *testing.T) {
		bus := NewSignalBus(client)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		msgs, err := bus.Subscribe(subCtx, "positions")
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, "positions", []byte(`{"event":"position_opened"}`)))

		select {
		case m := <-msgs:
			assert.JSONEq(t, `{"event":"position_opened"}`, string(m))
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		require.NoError(t, bus.StreamAppend(ctx, "stream:positions", []byte("a")))
		require.NoError(t, bus.StreamAppend(ctx, "stream:positions", []byte("b")))
		entries, err := bus.StreamRead(ctx, "stream:positions", "0", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b", string(entries[1].Payload))

		rest, err := bus.StreamRead(ctx, "stream:positions", entries[1].ID, 10)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})
}
