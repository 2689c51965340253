package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// setupClient starts a throwaway PostgreSQL container and returns a migrated
// Client.
func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{DSN: connStr, ConnectTries: 3})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	// A second run is a no-op.
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/app?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "app"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestStores(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	opened := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	pos := domain.Position{
		ID: "p-1", Symbol: "NSE:ABC-EQ", EntryPrice: 100, Quantity: 66,
		StopPrice: 97, TargetPrice: 104, InitialStop: 97, StopMethod: "atr", ATR: 2,
		TriggerPrice: 99.5, OpenedAt: opened, Status: domain.PositionStatusOpen,
		EntryOrderID: "ord-1",
	}

	t.Run("positions", func(t *testing.T) {
		store := NewPositionStore(client.Pool())
		require.NoError(t, store.Upsert(ctx, pos))

		open, err := store.ListOpen(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "NSE:ABC-EQ", open[0].Symbol)
		assert.Nil(t, open[0].ExitPrice)

		exit := 104.0
		closedAt := opened.Add(time.Hour)
		closed := pos.Clone()
		closed.Status = domain.PositionStatusExitTarget
		closed.ExitPrice = &exit
		closed.ExitReason = "target_hit"
		closed.ClosedAt = &closedAt
		require.NoError(t, store.Upsert(ctx, closed))

		open, err = store.ListOpen(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := store.GetByID(ctx, "p-1")
		require.NoError(t, err)
		require.NotNil(t, got.ExitPrice)
		assert.InDelta(t, 104.0, *got.ExitPrice, 1e-9)
		assert.Equal(t, domain.PositionStatusExitTarget, got.Status)

		between, err := store.ListClosedBetween(ctx, opened, opened.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, between, 1)

		_, err = store.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("audit", func(t *testing.T) {
		store := NewAuditStore(client.Pool())
		require.NoError(t, store.Log(ctx, "position_opened", map[string]any{"symbol": "NSE:ABC-EQ"}))
		require.NoError(t, store.Log(ctx, "position_closed", map[string]any{"symbol": "NSE:ABC-EQ"}))

		entries, err := store.List(ctx, domain.ListOpts{Limit: 1})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "position_closed", entries[0].Event)
		assert.Equal(t, "NSE:ABC-EQ", entries[0].Detail["symbol"])
	})

	t.Run("reports", func(t *testing.T) {
		store := NewReportStore(client.Pool())
		day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		report := domain.DailyReport{
			Day: day, Trades: 1, Wins: 1, GrossPnL: "264.00", AvgR: "1.333",
			ByReason: map[string]int{"target_hit": 1}, Positions: []domain.Position{pos},
			GeneratedAt: day.Add(10 * time.Hour),
		}
		require.NoError(t, store.SaveDaily(ctx, report))
		report.Trades = 2
		require.NoError(t, store.SaveDaily(ctx, report))

		got, err := store.GetDaily(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Trades)
		assert.Equal(t, "264.00", got.GrossPnL)
		assert.Equal(t, 1, got.ByReason["target_hit"])
		require.Len(t, got.Positions, 1)

		_, err = store.GetDaily(ctx, day.AddDate(0, 0, 1))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
