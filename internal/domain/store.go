package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore mirrors the engine's positions for history and reporting.
// The journal remains the source of truth for open positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// DailyReport summarises one trading day.
type DailyReport struct {
	Day         time.Time      `json:"day"`
	Trades      int            `json:"trades"`
	Wins        int            `json:"wins"`
	Losses      int            `json:"losses"`
	GrossPnL    string         `json:"gross_pnl"`
	AvgR        string         `json:"avg_r"`
	ByReason    map[string]int `json:"by_reason"`
	Positions   []Position     `json:"positions"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// ReportStore persists daily report summaries.
type ReportStore interface {
	SaveDaily(ctx context.Context, r DailyReport) error
	GetDaily(ctx context.Context, day time.Time) (DailyReport, error)
}
