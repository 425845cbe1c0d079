package subscription

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aidflow/aidflow/internal/platform/httpx"
)

// SignatureHeader carries the provider's HMAC of the webhook body.
const SignatureHeader = "X-Payment-Signature"

const maxWebhookBody = 64 << 10

// Handler exposes the payment webhook and the client poll endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
	signer  *Signer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, signer *Signer) *Handler {
	return &Handler{logger: logger, service: service, signer: signer}
}

// MountWebhook registers the unauthenticated provider callback.
func (h *Handler) MountWebhook(r chi.Router) {
	r.Post("/webhook", h.webhook)
}

// MountRoutes registers routes that require an authenticated actor.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/verify", h.verify)
}

type webhookRequest struct {
	ProviderTxnID string `json:"provider_txn_id" validate:"required,max=128"`
	UserID        int64  `json:"user_id" validate:"required,gt=0"`
	PlanID        int64  `json:"plan_id" validate:"required,gt=0"`
	Status        string `json:"status" validate:"required"`
}

type verifyRequest struct {
	ProviderTxnID string `json:"provider_txn_id" validate:"required,max=128"`
	PlanID        int64  `json:"plan_id" validate:"required,gt=0"`
	Signature     string `json:"signature" validate:"required,hexadecimal"`
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	if err := h.signer.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("payment webhook rejected", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	var req webhookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Status != TxnPaid {
		h.logger.Info("payment webhook ignored", slog.String("provider_txn_id", req.ProviderTxnID), slog.String("status", req.Status))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	res, err := h.service.Finalize(r.Context(), FinalizeInput{UserID: req.UserID, PlanID: req.PlanID, ProviderTxnID: req.ProviderTxnID})
	if err != nil {
		h.logger.Error("finalize payment", slog.String("provider_txn_id", req.ProviderTxnID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.signer.Verify(ConfirmationPayload(req.ProviderTxnID, actor.ID, req.PlanID), req.Signature); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
		return
	}
	res, err := h.service.Finalize(r.Context(), FinalizeInput{UserID: actor.ID, PlanID: req.PlanID, ProviderTxnID: req.ProviderTxnID})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

