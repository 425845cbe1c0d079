package attendance

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

// Handler exposes attendance endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers attendance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.record)
	r.Get("/summary", h.summary)
	r.Post("/{id}", h.update)
}

type recordRequest struct {
	BeneficiaryID int64  `json:"beneficiary_id" validate:"required,gt=0"`
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	Status        string `json:"status" validate:"required,oneof=present absent excused"`
	Notes         string `json:"notes" validate:"max=1000"`
}

type updateRequest struct {
	Status string `json:"status" validate:"required,oneof=present absent excused"`
	Notes  string `json:"notes" validate:"max=1000"`
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(time.DateOnly, req.Date)
	rec, err := h.service.Record(r.Context(), actor, RecordInput{BeneficiaryID: req.BeneficiaryID, Date: date, Status: Status(req.Status), Notes: req.Notes})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.UpdateStatus(r.Context(), actor, id, Status(req.Status), req.Notes)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	beneficiaryID, _ := strconv.ParseInt(q.Get("beneficiary_id"), 10, 64)
	year, _ := strconv.Atoi(q.Get("year"))
	month, _ := strconv.Atoi(q.Get("month"))
	period, err := shared.NewPeriod(year, month)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.SummaryFor(r.Context(), actor, beneficiaryID, period)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}
