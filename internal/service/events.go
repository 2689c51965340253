// Package service holds the side-effect pipelines around the engine: event
// fan-out to the mirrors and the daily report.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/notify"
)

// Redis names for the position event feed.
const (
	ChannelPositions = "positions"
	StreamPositions  = "stream:positions"
)

// EventPublisher forwards events to an external log such as Kafka.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.PositionEvent) error
}

// RecorderConfig tunes the EventRecorder.
type RecorderConfig struct {
	QueueSize    int
	WriteRetries int
	RetryBackoff time.Duration
}

// EventRecorder implements engine.EventSink. Record only enqueues; Run drains
// the queue and writes each event to every configured sink. Nil sinks are
// skipped. A failing sink is logged and never blocks the others.
type EventRecorder struct {
	positions domain.PositionStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	publisher EventPublisher
	notifier  *notify.Notifier

	retries int
	backoff time.Duration
	queue   chan domain.PositionEvent
	logger  *slog.Logger
}

// NewEventRecorder creates an EventRecorder. Any sink may be nil.
func NewEventRecorder(
	cfg RecorderConfig,
	positions domain.PositionStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	publisher EventPublisher,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *EventRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &EventRecorder{
		positions: positions,
		audit:     audit,
		bus:       bus,
		publisher: publisher,
		notifier:  notifier,
		retries:   cfg.WriteRetries,
		backoff:   cfg.RetryBackoff,
		queue:     make(chan domain.PositionEvent, cfg.QueueSize),
		logger:    logger.With(slog.String("component", "event_recorder")),
	}
}

// Record enqueues ev. It never blocks; when the queue is full the event is
// dropped and logged (the journal still holds the state change).
func (r *EventRecorder) Record(ctx context.Context, ev domain.PositionEvent) {
	if ev.Position != nil {
		p := ev.Position.Clone()
		ev.Position = &p
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.ErrorContext(ctx, "event queue full, dropping event",
			slog.String("event", string(ev.Type)),
			slog.String("symbol", ev.Symbol),
		)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// with a short grace period.
func (r *EventRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case ev := <-r.queue:
			r.handle(ctx, ev)
		}
	}
}

func (r *EventRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.handle(ctx, ev)
		default:
			return
		}
	}
}

func (r *EventRecorder) handle(ctx context.Context, ev domain.PositionEvent) {
	if ev.Position != nil && r.positions != nil {
		r.mirror(ctx, *ev.Position)
	}

	if r.audit != nil {
		if err := r.audit.Log(ctx, string(ev.Type), auditDetail(ev)); err != nil {
			r.warn(ctx, "audit", ev, err)
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.warn(ctx, "marshal", ev, err)
		} else {
			if err := r.bus.Publish(ctx, ChannelPositions, payload); err != nil {
				r.warn(ctx, "publish", ev, err)
			}
			if err := r.bus.StreamAppend(ctx, StreamPositions, payload); err != nil {
				r.warn(ctx, "stream", ev, err)
			}
		}
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.warn(ctx, "kafka", ev, err)
		}
	}

	if r.notifier != nil {
		if title, msg, ok := describe(ev); ok {
			// Notifier logs per-sender failures itself.
			_ = r.notifier.Notify(ctx, string(ev.Type), title, msg)
		}
	}
}

// mirror upserts the position with linear backoff between attempts.
func (r *EventRecorder) mirror(ctx context.Context, pos domain.Position) {
	var err error
	for attempt := 1; attempt <= r.retries; attempt++ {
		if err = r.positions.Upsert(ctx, pos); err == nil {
			return
		}
		if attempt == r.retries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	r.logger.ErrorContext(ctx, "position mirror write failed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Int("attempts", r.retries),
		slog.String("error", err.Error()),
	)
	if r.notifier != nil {
		_ = r.notifier.Notify(ctx, notify.EventPersistenceError,
			"Persistence error",
			fmt.Sprintf("%s %s: %v", pos.Symbol, pos.Status, err))
	}
}

func (r *EventRecorder) warn(ctx context.Context, sink string, ev domain.PositionEvent, err error) {
	r.logger.WarnContext(ctx, "event sink failed",
		slog.String("sink", sink),
		slog.String("event", string(ev.Type)),
		slog.String("symbol", ev.Symbol),
		slog.String("error", err.Error()),
	)
}

func auditDetail(ev domain.PositionEvent) map[string]any {
	d := map[string]any{
		"symbol":      ev.Symbol,
		"occurred_at": ev.OccurredAt,
	}
	if ev.Reason != "" {
		d["reason"] = ev.Reason
	}
	if p := ev.Position; p != nil {
		d["position_id"] = p.ID
		d["status"] = string(p.Status)
		d["quantity"] = p.Quantity
		d["entry_price"] = p.EntryPrice
		d["stop_price"] = p.StopPrice
		d["target_price"] = p.TargetPrice
		if p.ExitPrice != nil {
			d["exit_price"] = *p.ExitPrice
			d["pnl"] = p.PnL()
		}
	}
	return d
}

// describe renders a notification for the event types operators care about.
func describe(ev domain.PositionEvent) (title, msg string, ok bool) {
	p := ev.Position
	switch ev.Type {
	case domain.EventPositionOpened:
		if p == nil {
			return "", "", false
		}
		return "Entered " + p.Symbol, fmt.Sprintf(
			"qty %d @ %.2f\nstop %.2f (%s)  target %.2f",
			p.Quantity, p.EntryPrice, p.StopPrice, p.StopMethod, p.TargetPrice,
		), true
	case domain.EventPositionClosed:
		if p == nil {
			return "", "", false
		}
		exit := "n/a"
		if p.ExitPrice != nil {
			exit = fmt.Sprintf("%.2f", *p.ExitPrice)
		}
		return fmt.Sprintf("Exited %s (%s)", p.Symbol, ev.Reason), fmt.Sprintf(
			"qty %d  entry %.2f  exit %s\nP&L %.2f  R %.2f",
			p.Quantity, p.EntryPrice, exit, p.PnL(), p.RMultiple(),
		), true
	case domain.EventEntryRejected:
		return "Rejected " + ev.Symbol, ev.Reason, true
	default:
		return "", "", false
	}
}
