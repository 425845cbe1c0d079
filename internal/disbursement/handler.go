package disbursement

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

// Handler exposes disbursement endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers disbursement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.disburse)
	r.Get("/{id}", h.get)
	r.Post("/{id}/acknowledge", h.hop(h.service.Acknowledge))
	r.Post("/{id}/disburse", h.hop(h.service.HandOver))
	r.Post("/{id}/confirm", h.hop(h.service.Confirm))
}

type disburseRequest struct {
	AidRequestID int64 `json:"aid_request_id" validate:"required,gt=0"`
}

func (h *Handler) disburse(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req disburseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.FinanceDisburse(r.Context(), actor, req.AidRequestID)
	if err != nil {
		h.logger.Debug("finance disburse", slog.Int64("aid_request_id", req.AidRequestID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
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
	d, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

type hopFunc func(ctx context.Context, actor shared.Actor, id int64) (Disbursement, error)

func (h *Handler) hop(step hopFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
		d, err := step(r.Context(), actor, id)
		if err != nil {
			h.logger.Debug("disbursement hop", slog.Int64("disbursement_id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, d)
	}
}
