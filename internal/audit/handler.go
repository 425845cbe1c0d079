package audit

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

const maxRange = 90 * 24 * time.Hour

// TimelineService is the read contract the handler needs.
type TimelineService interface {
	Timeline(ctx context.Context, actor shared.Actor, filters TimelineFilters) (Result, error)
	Export(ctx context.Context, actor shared.Actor, filters TimelineFilters) ([]TimelineRow, error)
}

// Handler serves the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.timeline)
	r.Get("/export.csv", h.export)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), actor, filters)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), actor, filters)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-timeline.csv\"")
	if err := WriteCSV(w, rows); err != nil {
		h.logger.Warn("write audit csv", slog.Any("error", err))
	}
}

// WriteCSV serialises timeline rows.
func WriteCSV(w io.Writer, rows []TimelineRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"At", "Actor", "Event", "Entity", "Entity ID", "Risk", "Description"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.ActorID, 10),
			row.EventType,
			row.EntityType,
			strconv.FormatInt(row.EntityID, 10),
			row.RiskLevel,
			row.Description,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func parseFilters(q url.Values) (TimelineFilters, error) {
	var f TimelineFilters
	var err error
	if f.From, err = parseDate(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseDate(q, "to"); err != nil {
		return f, err
	}
	if !f.To.IsZero() {
		// the to date is inclusive
		f.To = f.To.Add(24 * time.Hour)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Sub(f.From) > maxRange+24*time.Hour {
		return f, shared.Invalid("range", "at most 90 days")
	}
	if f.ActorID, err = parseInt(q, "actor_id"); err != nil {
		return f, err
	}
	if f.EntityID, err = parseInt(q, "entity_id"); err != nil {
		return f, err
	}
	page, err := parseInt(q, "page")
	if err != nil {
		return f, err
	}
	size, err := parseInt(q, "page_size")
	if err != nil {
		return f, err
	}
	f.Page, f.PageSize = int(page), int(size)
	f.EntityType = strings.TrimSpace(q.Get("entity_type"))
	f.EventType = strings.TrimSpace(q.Get("event_type"))
	f.MinRisk = q.Get("min_risk")
	return f, nil
}

func parseDate(q url.Values, name string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, shared.Invalid(name, "expected YYYY-MM-DD")
	}
	return t, nil
}

func parseInt(q url.Values, name string) (int64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, shared.Invalid(name, "expected a non-negative integer")
	}
	return v, nil
}
