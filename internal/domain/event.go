package domain

import "time"

// EventType names a position lifecycle change.
type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventStopRaised     EventType = "stop_raised"
	EventPositionClosed EventType = "position_closed"
	EventEntryRejected  EventType = "entry_rejected"
	EventEODCleared     EventType = "eod_cleared"
)

// PositionEvent is emitted by the engine after a committed mutation (or a
// rejected admission) and fanned out to the event sinks.
type PositionEvent struct {
	Type       EventType `json:"event"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason,omitempty"`
	Position   *Position `json:"position,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
