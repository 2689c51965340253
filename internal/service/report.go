package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/alanyoungcy/screenerbot/internal/notify"
)

// ClosedHistory lists positions closed by the running engine.
type ClosedHistory interface {
	Closed(ctx context.Context) ([]domain.Position, error)
}

// ReportConfig holds report settings.
type ReportConfig struct {
	Location *time.Location
	// Prefix is the object key prefix for archived reports.
	Prefix string
}

// ReportService builds the end-of-day summary and distributes it.
type ReportService struct {
	positions domain.PositionStore
	reports   domain.ReportStore
	history   ClosedHistory
	blobs     domain.BlobWriter
	archive   domain.BlobReader
	notifier  *notify.Notifier

	loc    *time.Location
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewReportService creates a ReportService. positions, reports, blobs,
// archive and notifier may be nil; history is used when positions is nil or
// failing.
func NewReportService(
	cfg ReportConfig,
	positions domain.PositionStore,
	reports domain.ReportStore,
	history ClosedHistory,
	blobs domain.BlobWriter,
	archive domain.BlobReader,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *ReportService {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "reports"
	}
	return &ReportService{
		positions: positions,
		reports:   reports,
		history:   history,
		blobs:     blobs,
		archive:   archive,
		notifier:  notifier,
		loc:       loc,
		prefix:    prefix,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "report")),
	}
}

// Generate builds the report for the trading day containing day, then
// archives, stores and announces it. Distribution failures are logged; only
// a failure to gather positions is returned.
func (s *ReportService) Generate(ctx context.Context, day time.Time) (domain.DailyReport, error) {
	start, end := s.bounds(day)
	closed, err := s.closedBetween(ctx, start, end)
	if err != nil {
		return domain.DailyReport{}, err
	}
	rep := Summarize(start, closed, s.now().UTC())

	if s.blobs != nil {
		s.upload(ctx, rep)
	}
	if s.reports != nil {
		if err := s.reports.SaveDaily(ctx, rep); err != nil {
			s.logger.WarnContext(ctx, "saving daily report failed", slog.String("error", err.Error()))
		}
	}
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, notify.EventDailyReport, "Daily report "+dateOf(start), SummaryText(rep))
	}

	s.logger.InfoContext(ctx, "daily report generated",
		slog.String("day", dateOf(start)),
		slog.Int("trades", rep.Trades),
		slog.String("gross_pnl", rep.GrossPnL),
	)
	return rep, nil
}

// Lookup returns a previously generated report from the database, falling
// back to the archived JSON object.
func (s *ReportService) Lookup(ctx context.Context, day time.Time) (domain.DailyReport, error) {
	start, _ := s.bounds(day)
	if s.reports != nil {
		rep, err := s.reports.GetDaily(ctx, start)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "report lookup failed", slog.String("error", err.Error()))
		}
	}
	if s.archive == nil {
		return domain.DailyReport{}, domain.ErrNotFound
	}
	body, err := s.archive.Get(ctx, s.objectKey(start, "json"))
	if err != nil {
		return domain.DailyReport{}, fmt.Errorf("report: fetch archive: %w", err)
	}
	defer body.Close()

	var rep domain.DailyReport
	if err := json.NewDecoder(body).Decode(&rep); err != nil {
		return domain.DailyReport{}, fmt.Errorf("report: decode archive: %w", err)
	}
	return rep, nil
}

func (s *ReportService) bounds(day time.Time) (time.Time, time.Time) {
	d := day.In(s.loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc)
	return start, start.AddDate(0, 0, 1)
}

// closedBetween merges the mirror with the engine's own history so a report
// generated right after the close still sees positions the mirror has not
// caught up with.
func (s *ReportService) closedBetween(ctx context.Context, start, end time.Time) ([]domain.Position, error) {
	var (
		out      []domain.Position
		storeErr error
	)
	if s.positions != nil {
		out, storeErr = s.positions.ListClosedBetween(ctx, start, end)
		if storeErr != nil {
			if s.history == nil {
				return nil, fmt.Errorf("report: list closed: %w", storeErr)
			}
			s.logger.WarnContext(ctx, "closed positions query failed, using engine history",
				slog.String("error", storeErr.Error()),
			)
		}
	}
	if s.history == nil {
		return out, nil
	}
	all, err := s.history.Closed(ctx)
	if err != nil {
		if s.positions != nil && storeErr == nil {
			return out, nil
		}
		return nil, fmt.Errorf("report: engine history: %w", err)
	}

	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p.ID] = true
	}
	for _, p := range all {
		if seen[p.ID] || p.ClosedAt == nil || p.ClosedAt.Before(start) || !p.ClosedAt.Before(end) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

func (s *ReportService) objectKey(start time.Time, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", s.prefix, start.Format("2006/01"), dateOf(start), ext)
}

func (s *ReportService) upload(ctx context.Context, rep domain.DailyReport) {
	jsonBody, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		s.logger.WarnContext(ctx, "encoding report failed", slog.String("error", err.Error()))
		return
	}
	if err := s.blobs.Put(ctx, s.objectKey(rep.Day, "json"), bytes.NewReader(jsonBody), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "uploading report json failed", slog.String("error", err.Error()))
	}

	csvBody, err := RenderCSV(rep)
	if err != nil {
		s.logger.WarnContext(ctx, "encoding report csv failed", slog.String("error", err.Error()))
		return
	}
	if err := s.blobs.Put(ctx, s.objectKey(rep.Day, "csv"), bytes.NewReader(csvBody), "text/csv"); err != nil {
		s.logger.WarnContext(ctx, "uploading report csv failed", slog.String("error", err.Error()))
	}
}

// Summarize aggregates closed positions. Money and R are summed in decimal
// so the totals do not drift; positions without an exit price count as
// trades but are excluded from P&L and R.
func Summarize(day time.Time, closed []domain.Position, generatedAt time.Time) domain.DailyReport {
	rep := domain.DailyReport{
		Day:         day,
		Trades:      len(closed),
		ByReason:    make(map[string]int),
		Positions:   closed,
		GeneratedAt: generatedAt,
	}
	if rep.Positions == nil {
		rep.Positions = []domain.Position{}
	}

	gross := decimal.Zero
	rSum := decimal.Zero
	rCount := 0
	for _, p := range closed {
		rep.ByReason[p.ExitReason]++
		if p.ExitPrice == nil {
			continue
		}
		entry := decimal.NewFromFloat(p.EntryPrice)
		move := decimal.NewFromFloat(*p.ExitPrice).Sub(entry)
		pnl := move.Mul(decimal.NewFromInt(p.Quantity))
		gross = gross.Add(pnl)
		switch pnl.Sign() {
		case 1:
			rep.Wins++
		case -1:
			rep.Losses++
		}
		risk := entry.Sub(decimal.NewFromFloat(p.InitialStop))
		if risk.IsPositive() {
			rSum = rSum.Add(move.Div(risk))
			rCount++
		}
	}

	rep.GrossPnL = gross.StringFixed(2)
	avg := decimal.Zero
	if rCount > 0 {
		avg = rSum.Div(decimal.NewFromInt(int64(rCount)))
	}
	rep.AvgR = avg.StringFixed(3)
	return rep
}

// SummaryText renders a short plain-text digest for notifications.
func SummaryText(rep domain.DailyReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trades %d  wins %d  losses %d\n", rep.Trades, rep.Wins, rep.Losses)
	fmt.Fprintf(&b, "gross P&L %s  avg R %s", rep.GrossPnL, rep.AvgR)

	reasons := make([]string, 0, len(rep.ByReason))
	for r := range rep.ByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "\n%s: %d", r, rep.ByReason[r])
	}
	return b.String()
}

// RenderCSV writes one row per position.
func RenderCSV(rep domain.DailyReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{
		"id", "symbol", "quantity", "entry_price", "exit_price", "initial_stop",
		"status", "exit_reason", "opened_at", "closed_at", "pnl", "r_multiple",
	})
	for _, p := range rep.Positions {
		exit, closedAt := "", ""
		if p.ExitPrice != nil {
			exit = strconv.FormatFloat(*p.ExitPrice, 'f', 2, 64)
		}
		if p.ClosedAt != nil {
			closedAt = p.ClosedAt.Format(time.RFC3339)
		}
		_ = w.Write([]string{
			p.ID,
			p.Symbol,
			strconv.FormatInt(p.Quantity, 10),
			strconv.FormatFloat(p.EntryPrice, 'f', 2, 64),
			exit,
			strconv.FormatFloat(p.InitialStop, 'f', 2, 64),
			string(p.Status),
			p.ExitReason,
			p.OpenedAt.Format(time.RFC3339),
			closedAt,
			strconv.FormatFloat(p.PnL(), 'f', 2, 64),
			strconv.FormatFloat(p.RMultiple(), 'f', 3, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("report: write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func dateOf(t time.Time) string {
	return t.Format(time.DateOnly)
}
