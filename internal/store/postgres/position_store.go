package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, entry_price, quantity, stop_price,
	target_price, initial_stop, stop_method, atr, trigger_price, status,
	exit_price, exit_reason, entry_order_id, exit_order_id, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	err := row.Scan(
		&p.ID, &p.Symbol, &p.EntryPrice, &p.Quantity, &p.StopPrice,
		&p.TargetPrice, &p.InitialStop, &p.StopMethod, &p.ATR, &p.TriggerPrice, &status,
		&p.ExitPrice, &p.ExitReason, &p.EntryOrderID, &p.ExitOrderID, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Position, error) {
		return scanPosition(row)
	})
}

// Upsert inserts the position or overwrites the mutable columns of an
// existing row with the same ID.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, entry_price, quantity, stop_price,
			target_price, initial_stop, stop_method, atr, trigger_price, status,
			exit_price, exit_reason, entry_order_id, exit_order_id, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			stop_price    = EXCLUDED.stop_price,
			target_price  = EXCLUDED.target_price,
			status        = EXCLUDED.status,
			exit_price    = EXCLUDED.exit_price,
			exit_reason   = EXCLUDED.exit_reason,
			exit_order_id = EXCLUDED.exit_order_id,
			closed_at     = EXCLUDED.closed_at,
			updated_at    = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.EntryPrice, p.Quantity, p.StopPrice,
		p.TargetPrice, p.InitialStop, p.StopMethod, p.ATR, p.TriggerPrice, string(p.Status),
		p.ExitPrice, p.ExitReason, p.EntryOrderID, p.ExitOrderID, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a position or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns positions still marked OPEN, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE status = $1 ORDER BY opened_at`,
		string(domain.PositionStatusOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return out, nil
}

// ListClosedBetween returns positions closed in [from, to), by close time.
func (s *PositionStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE closed_at >= $1 AND closed_at < $2
		 ORDER BY closed_at`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return out, nil
}
