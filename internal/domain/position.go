package domain

import "time"

// PositionStatus tracks where a position is in its lifecycle. OPEN is the only
// non-terminal status.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusExitStop   PositionStatus = "EXIT_STOP"
	PositionStatusExitTarget PositionStatus = "EXIT_TARGET"
	PositionStatusExitTime   PositionStatus = "EXIT_TIME"
	PositionStatusExitManual PositionStatus = "EXIT_MANUAL"
)

// Terminal reports whether s is one of the EXIT_* statuses.
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionStatusExitStop, PositionStatusExitTarget, PositionStatusExitTime, PositionStatusExitManual:
		return true
	default:
		return false
	}
}

// Position is a single long holding in one symbol.
type Position struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	EntryPrice   float64        `json:"entry_price"`
	Quantity     int64          `json:"quantity"`
	StopPrice    float64        `json:"stop_price"`
	TargetPrice  float64        `json:"target_price"`
	InitialStop  float64        `json:"initial_stop"`
	StopMethod   string         `json:"stop_method"`
	ATR          float64        `json:"atr,omitempty"`
	TriggerPrice float64        `json:"trigger_price"`
	OpenedAt     time.Time      `json:"opened_at"`
	Status       PositionStatus `json:"status"`
	ExitPrice    *float64       `json:"exit_price,omitempty"`
	ExitReason   string         `json:"exit_reason,omitempty"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	EntryOrderID string         `json:"entry_order_id,omitempty"`
	ExitOrderID  string         `json:"exit_order_id,omitempty"`
}

// IsOpen reports whether the position is still held.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// PnL returns the realized profit for a closed position, or zero while open.
func (p Position) PnL() float64 {
	if p.ExitPrice == nil {
		return 0
	}
	return (*p.ExitPrice - p.EntryPrice) * float64(p.Quantity)
}

// RMultiple expresses the realized move in units of the initial risk.
func (p Position) RMultiple() float64 {
	risk := p.EntryPrice - p.InitialStop
	if p.ExitPrice == nil || risk <= 0 {
		return 0
	}
	return (*p.ExitPrice - p.EntryPrice) / risk
}

// Clone returns a deep copy so snapshots never alias engine state.
func (p Position) Clone() Position {
	out := p
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		out.ExitPrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	return out
}
