package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// ReportService builds and retrieves daily reports.
type ReportService interface {
	Generate(ctx context.Context, day time.Time) (domain.DailyReport, error)
	Lookup(ctx context.Context, day time.Time) (domain.DailyReport, error)
}

// ReportHandler serves the daily report endpoints.
type ReportHandler struct {
	reports  ReportService
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewReportHandler creates a ReportHandler. Days are interpreted in loc.
func NewReportHandler(reports ReportService, loc *time.Location, logger *slog.Logger) *ReportHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &ReportHandler{
		reports:  reports,
		location: loc,
		now:      time.Now,
		logger:   logHandler(logger, "report"),
	}
}

// Generate builds, stores and sends the report for ?date= (default today).
// GET /api/report
func (h *ReportHandler) Generate(w http.ResponseWriter, r *http.Request) {
	day, err := parseDay(r.URL.Query().Get("date"), h.location, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rep, err := h.reports.Generate(r.Context(), day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "generate report failed",
			slog.String("day", day.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to generate report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Get returns a previously stored report.
// GET /api/reports/{date}
func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	day, err := parseDay(r.PathValue("date"), h.location, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rep, err := h.reports.Lookup(r.Context(), day)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no report for "+day.Format(time.DateOnly))
	default:
		h.logger.ErrorContext(r.Context(), "lookup report failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load report")
	}
}
