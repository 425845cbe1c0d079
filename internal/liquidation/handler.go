package liquidation

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/platform/httpx"
	"github.com/aidflow/aidflow/internal/shared"
)

// Handler exposes liquidation endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers /liquidations routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.get)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/caseworker-review", h.reviewAt(h.service.CaseworkerReview))
	r.Post("/{id}/finance-review", h.reviewAt(h.service.FinanceReview))
	r.Post("/{id}/director-review", h.reviewAt(h.service.DirectorReview))
}

// MountDisbursementRoutes registers the receipt routes nested under /disbursements.
func (h *Handler) MountDisbursementRoutes(r chi.Router) {
	r.Post("/{id}/receipts", h.attach)
	r.Get("/{id}/liquidation", h.latest)
}

type receiptRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	Number      string          `json:"receipt_number" validate:"max=128"`
	Description string          `json:"description" validate:"max=2000"`
	FileRef     string          `json:"file_ref" validate:"required,max=512"`
}

type attachRequest struct {
	Receipts []receiptRequest `json:"receipts" validate:"required,min=1,dive"`
}

type reviewRequest struct {
	Approve *bool  `json:"approve" validate:"required"`
	Reason  string `json:"reason" validate:"max=2000"`
}

func (h *Handler) attach(w http.ResponseWriter, r *http.Request) {
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
	var req attachRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inputs := make([]ReceiptInput, 0, len(req.Receipts))
	for _, rr := range req.Receipts {
		date, _ := time.Parse(time.DateOnly, rr.Date)
		inputs = append(inputs, ReceiptInput{Amount: rr.Amount, Date: date, Number: rr.Number, Description: rr.Description, FileRef: rr.FileRef})
	}
	l, err := h.service.AttachReceipts(r.Context(), actor, id, inputs)
	if err != nil {
		h.logger.Debug("attach receipts", slog.Int64("disbursement_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
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
	l, err := h.service.LatestForDisbursement(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
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
	l, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
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
	l, err := h.service.Submit(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

type reviewFunc func(ctx context.Context, actor shared.Actor, id int64, input ReviewInput) (Liquidation, error)

func (h *Handler) reviewAt(decide reviewFunc) http.HandlerFunc {
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
		l, err := decide(r.Context(), actor, id, ReviewInput{Approve: *req.Approve, Reason: req.Reason})
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, l)
	}
}
