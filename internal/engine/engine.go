// Package engine owns the set of open positions. A single actor goroutine
// applies every mutation after writing it to the journal; admission, exit
// monitoring and end-of-day reconciliation run in their own goroutines and
// talk to the actor through commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/journal"
)

// EventSink receives position lifecycle events after they are committed.
type EventSink interface {
	Record(ctx context.Context, ev domain.PositionEvent)
}

// Exit reasons attached to closed positions.
const (
	ReasonStopHit      = "stop_hit"
	ReasonTargetHit    = "target_hit"
	ReasonMaxHold      = "max_hold"
	ReasonBarClose     = "bar_close_below_open"
	ReasonManual       = "manual"
	ReasonEODSquareOff = "eod_square_off"
)

// ErrExitInFlight is returned when another exit for the symbol is underway.
var ErrExitInFlight = errors.New("engine: exit already in flight")

// Engine is the single writer of position state.
type Engine struct {
	cfg    Config
	broker domain.Broker
	wal    *journal.Journal
	sink   EventSink
	prices domain.PriceCache
	logger *slog.Logger
	now    func() time.Time

	cmds    chan func()
	stopped chan struct{}

	// Owned by the Run goroutine once it starts.
	open      map[string]*domain.Position
	admitting map[string]bool
	exiting   map[string]bool
	closed    []domain.Position
}

// New creates an Engine. sink and prices may be nil.
func New(cfg Config, broker domain.Broker, wal *journal.Journal, sink EventSink, prices domain.PriceCache, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		broker:    broker,
		wal:       wal,
		sink:      sink,
		prices:    prices,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		cmds:      make(chan func()),
		stopped:   make(chan struct{}),
		open:      make(map[string]*domain.Position),
		admitting: make(map[string]bool),
		exiting:   make(map[string]bool),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Run executes commands until ctx is cancelled. It must be running before any
// other method except Restore is called.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "engine started", slog.Int("open_positions", len(e.open)))
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return ctx.Err()
		case fn := <-e.cmds:
			fn()
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.stopped:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Restore replays the journal into memory and compacts it to the surviving
// open positions. It must be called before Run.
func (e *Engine) Restore(ctx context.Context) error {
	var applied int
	err := e.wal.Replay(func(ent journal.Entry) error {
		e.apply(ent)
		applied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}

	if err := e.wal.Compact(e.openList(), e.now()); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	e.logger.InfoContext(ctx, "journal replayed",
		slog.Int("applied", applied),
		slog.Int("open_positions", len(e.open)),
		slog.Uint64("seq", e.wal.Seq()),
	)
	return nil
}

// apply folds one journal entry into memory. Applying an entry twice leaves
// the same state as applying it once.
func (e *Engine) apply(ent journal.Entry) {
	p := ent.Position
	switch ent.Op {
	case journal.OpOpen:
		if cur, ok := e.open[p.Symbol]; ok && cur.ID == p.ID {
			return
		}
		pos := p.Clone()
		e.open[p.Symbol] = &pos
	case journal.OpStop:
		if cur, ok := e.open[p.Symbol]; ok && cur.ID == p.ID && p.StopPrice > cur.StopPrice {
			cur.StopPrice = p.StopPrice
		}
	case journal.OpClose:
		if cur, ok := e.open[p.Symbol]; ok && cur.ID == p.ID {
			delete(e.open, p.Symbol)
		}
	case journal.OpClear:
		e.open = make(map[string]*domain.Position)
	}
}

func (e *Engine) openList() []domain.Position {
	out := make([]domain.Position, 0, len(e.open))
	for _, p := range e.open {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot returns deep copies of the open positions ordered by symbol.
func (e *Engine) Snapshot(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	if err := e.do(ctx, func() { out = e.openList() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Position returns the open position for symbol.
func (e *Engine) Position(ctx context.Context, symbol string) (domain.Position, error) {
	var (
		pos domain.Position
		ok  bool
	)
	err := e.do(ctx, func() {
		if p, found := e.open[symbol]; found {
			pos, ok = p.Clone(), true
		}
	})
	if err != nil {
		return domain.Position{}, err
	}
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: position %s: %w", symbol, domain.ErrNotFound)
	}
	return pos, nil
}

// Closed returns positions closed since startup, oldest first.
func (e *Engine) Closed(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	err := e.do(ctx, func() {
		out = make([]domain.Position, len(e.closed))
		for i, p := range e.closed {
			out[i] = p.Clone()
		}
	})
	return out, err
}

// reserve marks symbol as admitting unless it is already open or admitting.
// The returned reason is empty on success.
func (e *Engine) reserve(ctx context.Context, symbol string) (string, error) {
	var reason string
	err := e.do(ctx, func() {
		switch {
		case e.open[symbol] != nil || e.admitting[symbol]:
			reason = ReasonDuplicate
		case e.cfg.MaxOpenPositions > 0 && len(e.open)+len(e.admitting) >= e.cfg.MaxOpenPositions:
			reason = ReasonMaxPositions
		default:
			e.admitting[symbol] = true
		}
	})
	return reason, err
}

func (e *Engine) release(ctx context.Context, symbol string) {
	_ = e.do(context.WithoutCancel(ctx), func() { delete(e.admitting, symbol) })
}

// openPosition journals and installs a confirmed position.
func (e *Engine) openPosition(ctx context.Context, pos domain.Position) error {
	var opErr error
	err := e.do(ctx, func() {
		if e.open[pos.Symbol] != nil {
			opErr = fmt.Errorf("engine: open %s: %w", pos.Symbol, domain.ErrAlreadyExists)
			return
		}
		if _, err := e.wal.Append(journal.OpOpen, e.now(), pos); err != nil {
			opErr = fmt.Errorf("engine: open %s: %w", pos.Symbol, err)
			return
		}
		p := pos.Clone()
		e.open[pos.Symbol] = &p
	})
	if err != nil {
		return err
	}
	return opErr
}

// RaiseStop moves the stop for symbol up to stop. Lower or equal values are
// ignored and reported as false.
func (e *Engine) RaiseStop(ctx context.Context, symbol string, stop float64) (domain.Position, bool, error) {
	var (
		out    domain.Position
		raised bool
		opErr  error
	)
	err := e.do(ctx, func() {
		cur, ok := e.open[symbol]
		if !ok {
			opErr = fmt.Errorf("engine: raise stop %s: %w", symbol, domain.ErrNotFound)
			return
		}
		if stop <= cur.StopPrice {
			out = cur.Clone()
			return
		}
		next := cur.Clone()
		next.StopPrice = stop
		if _, err := e.wal.Append(journal.OpStop, e.now(), next); err != nil {
			opErr = fmt.Errorf("engine: raise stop %s: %w", symbol, err)
			return
		}
		cur.StopPrice = stop
		out, raised = next, true
	})
	if err != nil {
		return domain.Position{}, false, err
	}
	if opErr != nil {
		return domain.Position{}, false, opErr
	}
	if raised {
		e.emit(ctx, domain.EventStopRaised, out.Symbol, "", &out)
	}
	return out, raised, nil
}

// beginExit sets the in-flight marker for symbol and returns the position to
// sell.
func (e *Engine) beginExit(ctx context.Context, symbol string) (domain.Position, error) {
	var (
		out   domain.Position
		opErr error
	)
	err := e.do(ctx, func() {
		cur, ok := e.open[symbol]
		switch {
		case !ok:
			opErr = fmt.Errorf("engine: exit %s: %w", symbol, domain.ErrNotFound)
		case e.exiting[symbol]:
			opErr = ErrExitInFlight
		default:
			e.exiting[symbol] = true
			out = cur.Clone()
		}
	})
	if err != nil {
		return domain.Position{}, err
	}
	return out, opErr
}

func (e *Engine) endExit(ctx context.Context, symbol string) {
	_ = e.do(context.WithoutCancel(ctx), func() { delete(e.exiting, symbol) })
}

// closePosition journals the terminal state and removes the position. The
// in-flight marker is cleared only on success so a sold position whose close
// could not be journaled is never sold again.
func (e *Engine) closePosition(ctx context.Context, id, symbol string, status domain.PositionStatus, price float64, reason, orderID string) (domain.Position, error) {
	var (
		out   domain.Position
		opErr error
	)
	err := e.do(context.WithoutCancel(ctx), func() {
		cur, ok := e.open[symbol]
		if !ok || cur.ID != id {
			opErr = fmt.Errorf("engine: close %s: %w", symbol, domain.ErrNotFound)
			return
		}
		at := e.now().UTC()
		next := cur.Clone()
		next.Status = status
		next.ExitPrice = &price
		next.ExitReason = reason
		next.ClosedAt = &at
		next.ExitOrderID = orderID
		if _, err := e.wal.Append(journal.OpClose, at, next); err != nil {
			opErr = fmt.Errorf("engine: close %s: %w", symbol, err)
			return
		}
		delete(e.open, symbol)
		delete(e.exiting, symbol)
		e.closed = append(e.closed, next)
		out = next.Clone()
	})
	if err != nil {
		return domain.Position{}, err
	}
	if opErr != nil {
		return domain.Position{}, opErr
	}
	e.emit(ctx, domain.EventPositionClosed, out.Symbol, reason, &out)
	return out, nil
}

// Clear drops every open position, marking each EXIT_MANUAL with the given
// reason. exitPrices supplies the last known price per symbol; symbols
// without one are closed with no exit price.
func (e *Engine) Clear(ctx context.Context, reason string, exitPrices map[string]float64) ([]domain.Position, error) {
	var (
		out   []domain.Position
		opErr error
	)
	err := e.do(context.WithoutCancel(ctx), func() {
		at := e.now().UTC()
		if _, err := e.wal.Append(journal.OpClear, at, domain.Position{}); err != nil {
			opErr = fmt.Errorf("engine: clear: %w", err)
			return
		}
		for _, p := range e.openList() {
			p.Status = domain.PositionStatusExitManual
			p.ExitReason = reason
			closedAt := at
			p.ClosedAt = &closedAt
			if px, ok := exitPrices[p.Symbol]; ok && px > 0 {
				v := px
				p.ExitPrice = &v
			}
			e.closed = append(e.closed, p)
			out = append(out, p.Clone())
		}
		e.open = make(map[string]*domain.Position)
		e.exiting = make(map[string]bool)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	for i := range out {
		e.emit(ctx, domain.EventPositionClosed, out[i].Symbol, reason, &out[i])
	}
	e.emit(ctx, domain.EventEODCleared, "", reason, nil)
	return out, nil
}

func (e *Engine) emit(ctx context.Context, typ domain.EventType, symbol, reason string, pos *domain.Position) {
	if e.sink == nil {
		return
	}
	e.sink.Record(ctx, domain.PositionEvent{
		Type:       typ,
		Symbol:     symbol,
		Reason:     reason,
		Position:   pos,
		OccurredAt: e.now(),
	})
}

// callCtx bounds a single broker call.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.brokerTimeout())
}
