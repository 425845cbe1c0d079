package funds

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

// Handler exposes allocation administration.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers fund allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/available", h.available)
	r.Post("/{id}", h.update)
	r.Post("/{id}/archive", h.archive)
}

type createRequest struct {
	FundType    string          `json:"fund_type" validate:"required,oneof=tuition cola other general"`
	SponsorName string          `json:"sponsor_name" validate:"required,max=200"`
	Allocated   decimal.Decimal `json:"allocated_amount"`
}

type updateRequest struct {
	SponsorName string          `json:"sponsor_name" validate:"max=200"`
	Allocated   decimal.Decimal `json:"allocated_amount"`
}

type availableResponse struct {
	FundType     FundType        `json:"fund_type"`
	Available    decimal.Decimal `json:"available"`
	WithFallback decimal.Decimal `json:"available_with_general"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pools, err := h.service.List(r.Context(), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pools)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Create(r.Context(), actor, CreateInput{FundType: FundType(req.FundType), SponsorName: req.SponsorName, Allocated: req.Allocated})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
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
	a, err := h.service.Update(r.Context(), actor, id, UpdateInput{SponsorName: req.SponsorName, Allocated: req.Allocated})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
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
	a, err := h.service.Archive(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := requireStaff(actor, actor.FacilityID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	fundType := FundType(r.URL.Query().Get("fund_type"))
	if !fundType.Valid() {
		httpx.RespondError(w, shared.Invalid("fund_type", "must be tuition, cola, other or general"))
		return
	}
	exact, err := h.service.AvailableForType(r.Context(), actor.FacilityID, fundType)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	total, err := h.service.AvailableWithFallback(r.Context(), actor.FacilityID, fundType)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, availableResponse{FundType: fundType, Available: exact, WithFallback: total})
}
