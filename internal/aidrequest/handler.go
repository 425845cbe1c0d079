package aidrequest

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

// HistoryPort lists the approval trail of a request.
type HistoryPort interface {
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Handler exposes aid request endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	history HistoryPort
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, history HistoryPort) *Handler {
	return &Handler{logger: logger, service: service, history: history}
}

// MountRoutes registers aid request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.submit)
	r.Get("/{id}", h.get)
	r.Get("/{id}/history", h.historyOf)
	r.Post("/{id}/caseworker-review", h.reviewAt(LevelCaseworker))
	r.Post("/{id}/finance-review", h.reviewAt(LevelFinance))
	r.Post("/{id}/director-review", h.reviewAt(LevelDirector))
}

type submitRequest struct {
	FundType string          `json:"fund_type" validate:"required,oneof=tuition cola other"`
	Amount   decimal.Decimal `json:"amount"`
	Purpose  string          `json:"purpose" validate:"required,max=2000"`
	Year     int             `json:"year" validate:"omitempty,min=2000,max=2100"`
	Month    int             `json:"month" validate:"omitempty,min=1,max=12"`
}

type reviewRequest struct {
	Approve *bool  `json:"approve" validate:"required"`
	Notes   string `json:"notes" validate:"max=2000"`
}

type view struct {
	AidRequest
	Status Status `json:"status"`
	Stage  Stage  `json:"stage"`
}

func toView(r AidRequest) view {
	return view{AidRequest: r, Status: r.Status(), Stage: r.Stage()}
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
	input := SubmitInput{FundType: funds.FundType(req.FundType), Amount: req.Amount, Purpose: req.Purpose}
	if req.Year != 0 || req.Month != 0 {
		p, err := shared.NewPeriod(req.Year, req.Month)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		input.Period = &p
	}
	created, err := h.service.Submit(r.Context(), actor, input)
	if err != nil {
		h.logger.Debug("submit aid request", slog.Int64("actor_id", actor.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(created))
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
	req, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) historyOf(w http.ResponseWriter, r *http.Request) {
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
	if _, err := h.service.Get(r.Context(), actor, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs, err := h.history.List(r.Context(), shared.ModuleAidRequest, shared.ApprovalRef(shared.ModuleAidRequest, id))
	if err != nil {
		h.logger.Error("list aid request history", slog.Int64("id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func (h *Handler) reviewAt(level Level) http.HandlerFunc {
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
		var req reviewRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		updated, err := h.service.review(r.Context(), actor, id, level, ReviewInput{Approve: *req.Approve, Notes: req.Notes})
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toView(updated))
	}
}
