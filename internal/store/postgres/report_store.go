package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// ReportStore implements domain.ReportStore using PostgreSQL.
type ReportStore struct {
	pool *pgxpool.Pool
}

// NewReportStore creates a new ReportStore backed by the given connection pool.
func NewReportStore(pool *pgxpool.Pool) *ReportStore {
	return &ReportStore{pool: pool}
}

// SaveDaily writes the report for r.Day, replacing any earlier run.
func (s *ReportStore) SaveDaily(ctx context.Context, r domain.DailyReport) error {
	byReason, err := json.Marshal(r.ByReason)
	if err != nil {
		return fmt.Errorf("postgres: marshal report reasons: %w", err)
	}
	positions, err := json.Marshal(r.Positions)
	if err != nil {
		return fmt.Errorf("postgres: marshal report positions: %w", err)
	}

	const query = `
		INSERT INTO daily_reports (day, trades, wins, losses, gross_pnl, avg_r, by_reason, positions, generated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (day) DO UPDATE SET
			trades       = EXCLUDED.trades,
			wins         = EXCLUDED.wins,
			losses       = EXCLUDED.losses,
			gross_pnl    = EXCLUDED.gross_pnl,
			avg_r        = EXCLUDED.avg_r,
			by_reason    = EXCLUDED.by_reason,
			positions    = EXCLUDED.positions,
			generated_at = EXCLUDED.generated_at`

	if _, err := s.pool.Exec(ctx, query,
		dayOf(r.Day), r.Trades, r.Wins, r.Losses, r.GrossPnL, r.AvgR, byReason, positions, r.GeneratedAt,
	); err != nil {
		return fmt.Errorf("postgres: save daily report %s: %w", dayOf(r.Day), err)
	}
	return nil
}

// GetDaily returns the stored report for day or domain.ErrNotFound.
func (s *ReportStore) GetDaily(ctx context.Context, day time.Time) (domain.DailyReport, error) {
	const query = `
		SELECT day, trades, wins, losses, gross_pnl::text, avg_r::text, by_reason, positions, generated_at
		FROM daily_reports WHERE day = $1`

	var (
		r                   domain.DailyReport
		byReason, positions []byte
	)
	err := s.pool.QueryRow(ctx, query, dayOf(day)).Scan(
		&r.Day, &r.Trades, &r.Wins, &r.Losses, &r.GrossPnL, &r.AvgR, &byReason, &positions, &r.GeneratedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DailyReport{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DailyReport{}, fmt.Errorf("postgres: get daily report %s: %w", dayOf(day), err)
	}
	if err := json.Unmarshal(byReason, &r.ByReason); err != nil {
		return domain.DailyReport{}, fmt.Errorf("postgres: unmarshal report reasons: %w", err)
	}
	if err := json.Unmarshal(positions, &r.Positions); err != nil {
		return domain.DailyReport{}, fmt.Errorf("postgres: unmarshal report positions: %w", err)
	}
	return r, nil
}

// dayOf formats the calendar date of t in its own location.
func dayOf(t time.Time) string {
	return t.Format(time.DateOnly)
}
