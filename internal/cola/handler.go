package cola

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

// Handler exposes the preview endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers cola routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/preview", h.preview)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	beneficiaryID, _ := strconv.ParseInt(q.Get("beneficiary_id"), 10, 64)
	if beneficiaryID == 0 && actor.Role == shared.RoleBeneficiary {
		beneficiaryID = actor.ID
	}
	year, _ := strconv.Atoi(q.Get("year"))
	month, _ := strconv.Atoi(q.Get("month"))
	period, err := shared.NewPeriod(year, month)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	preview, err := h.service.Preview(r.Context(), actor, beneficiaryID, period)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}
