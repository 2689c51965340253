package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// CycleStats summarises one pass of the exit monitor.
type CycleStats struct {
	Checked  int
	Raised   int
	Exits    int
	Failures int
	Duration time.Duration
}

// Monitor evaluates open positions for exits on a fixed interval.
type Monitor struct {
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	lastBar map[string]time.Time
	// barExit holds symbols whose bar stop fired but whose sell is not yet
	// confirmed.
	barExit map[string]bool
}

// NewMonitor creates a Monitor over e.
func NewMonitor(e *Engine, logger *slog.Logger) *Monitor {
	return &Monitor{
		engine:  e,
		logger:  logger.With(slog.String("component", "exit_monitor")),
		lastBar: make(map[string]time.Time),
		barExit: make(map[string]bool),
	}
}

// Run ticks every poll interval until ctx is cancelled. Per-position errors
// are logged and never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.engine.cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.logger.InfoContext(ctx, "exit monitor started",
		slog.Duration("interval", interval),
		slog.Int("workers", m.engine.cfg.workers()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("exit monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates a snapshot of the open positions once.
func (m *Monitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	positions, err := m.engine.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.WarnContext(ctx, "snapshot failed", slog.String("error", err.Error()))
		}
		return CycleStats{}
	}
	m.forget(positions)
	if len(positions) == 0 {
		return CycleStats{}
	}

	var raised, exits, failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.engine.cfg.workers())
	for _, p := range positions {
		g.Go(func() error {
			r := m.evaluate(gctx, p)
			if r.raised {
				raised.Add(1)
			}
			if r.exited {
				exits.Add(1)
			}
			if r.failed {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := CycleStats{
		Checked:  len(positions),
		Raised:   int(raised.Load()),
		Exits:    int(exits.Load()),
		Failures: int(failures.Load()),
		Duration: time.Since(start),
	}
	m.logger.InfoContext(ctx, "exit cycle",
		slog.Int("checked", stats.Checked),
		slog.Int("stops_raised", stats.Raised),
		slog.Int("exits", stats.Exits),
		slog.Int("failures", stats.Failures),
		slog.Duration("duration", stats.Duration),
	)
	return stats
}

type outcome struct {
	raised bool
	exited bool
	failed bool
}

// evaluate applies the exit rules to one position in priority order: trail,
// time, confirmed bar, then tick stop/target.
func (m *Monitor) evaluate(ctx context.Context, p domain.Position) outcome {
	e := m.engine
	logger := m.logger.With(slog.String("symbol", p.Symbol))
	var out outcome

	ltp, err := e.ltp(ctx, p.Symbol)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrRateLimited) {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "price fetch failed", slog.String("error", err.Error()))
		out.failed = true
		return out
	}
	now := e.now()
	if e.prices != nil {
		if err := e.prices.SetPrice(ctx, p.Symbol, ltp, now); err != nil {
			logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}

	if stop, ok := m.trailCandidate(p, ltp); ok {
		updated, raised, err := e.RaiseStop(ctx, p.Symbol, stop)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "raise stop failed", slog.String("error", err.Error()))
		case raised:
			logger.InfoContext(ctx, "stop raised",
				slog.Float64("from", p.StopPrice),
				slog.Float64("to", updated.StopPrice),
				slog.Float64("ltp", ltp),
			)
			p = updated
			out.raised = true
		}
	}

	status, reason := m.exitRule(ctx, p, ltp, now)
	if status == "" {
		return out
	}

	if _, err := e.exit(ctx, p.Symbol, status, reason, ltp); err != nil {
		if !errors.Is(err, ErrExitInFlight) {
			out.failed = true
		}
		return out
	}
	out.exited = true
	return out
}

func (m *Monitor) trailCandidate(p domain.Position, ltp float64) (float64, bool) {
	t := m.engine.cfg.Trail
	if !t.Enabled || ltp < p.EntryPrice*(1+t.StartPct) {
		return 0, false
	}
	var candidate float64
	if t.Mode == TrailATR && p.ATR > 0 {
		candidate = ltp - t.ATRMult*p.ATR
	} else {
		candidate = ltp * (1 - t.Pct)
	}
	return candidate, candidate > p.StopPrice
}

func (m *Monitor) exitRule(ctx context.Context, p domain.Position, ltp float64, now time.Time) (domain.PositionStatus, string) {
	cfg := m.engine.cfg
	if cfg.MaxHold > 0 && now.Sub(p.OpenedAt) >= cfg.MaxHold {
		return domain.PositionStatusExitTime, ReasonMaxHold
	}
	if cfg.BarStop.Enabled && m.barStopHit(ctx, p) {
		return domain.PositionStatusExitStop, ReasonBarClose
	}
	if ltp <= p.StopPrice {
		return domain.PositionStatusExitStop, ReasonStopHit
	}
	if ltp >= p.TargetPrice {
		return domain.PositionStatusExitTarget, ReasonTargetHit
	}
	return "", ""
}

// barStopHit checks the most recent completed bar once. A bar counts only if
// it closed after the position was opened. Once fired, it keeps firing until
// the position is gone.
func (m *Monitor) barStopHit(ctx context.Context, p domain.Position) bool {
	e := m.engine
	m.mu.Lock()
	pending := m.barExit[p.Symbol]
	m.mu.Unlock()
	if pending {
		return true
	}

	closed, err := e.closedBars(ctx, p.Symbol, 1)
	if err != nil {
		m.logger.DebugContext(ctx, "bar fetch failed",
			slog.String("symbol", p.Symbol),
			slog.String("error", err.Error()),
		)
		return false
	}
	last := closed[len(closed)-1]
	if !last.Time.Add(e.cfg.BarInterval).After(p.OpenedAt) {
		return false
	}

	m.mu.Lock()
	seen := m.lastBar[p.Symbol]
	if !last.Time.After(seen) {
		m.mu.Unlock()
		return false
	}
	m.lastBar[p.Symbol] = last.Time
	m.mu.Unlock()

	if last.Open <= 0 {
		return false
	}
	if (last.Open-last.Close)/last.Open <= e.cfg.BarStop.Threshold {
		return false
	}
	m.mu.Lock()
	m.barExit[p.Symbol] = true
	m.mu.Unlock()
	return true
}

// forget drops bar-stop bookkeeping for symbols that are no longer open.
func (m *Monitor) forget(open []domain.Position) {
	keep := make(map[string]bool, len(open))
	for _, p := range open {
		keep[p.Symbol] = true
	}
	m.mu.Lock()
	for sym := range m.lastBar {
		if !keep[sym] {
			delete(m.lastBar, sym)
		}
	}
	for sym := range m.barExit {
		if !keep[sym] {
			delete(m.barExit, sym)
		}
	}
	m.mu.Unlock()
}
