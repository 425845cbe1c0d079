package enrollment

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aidflow/aidflow/internal/platform/httpx"
)

// Handler exposes enrollment endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers enrollment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.submit)
	r.Post("/{id}/review", h.review)
}

type submitRequest struct {
	IsScholar      bool   `json:"is_scholar"`
	EnrollmentDate string `json:"enrollment_date" validate:"required,datetime=2006-01-02"`
	DocumentRef    string `json:"document_ref" validate:"required,max=512"`
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes" validate:"max=2000"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse(time.DateOnly, req.EnrollmentDate)
	v, err := h.service.Submit(r.Context(), actor, SubmitInput{IsScholar: req.IsScholar, EnrollmentDate: date, DocumentRef: req.DocumentRef})
	if err != nil {
		h.logger.Debug("submit enrollment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
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
	var req reviewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.Review(r.Context(), actor, id, req.Approve, req.Notes)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}
