package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aidflow/aidflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Service reconciles provider payments.
type Service struct {
	repo       RepositoryPort
	dispatcher *shared.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, dispatcher *shared.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// FinalizeInput identifies one paid provider transaction.
type FinalizeInput struct {
	UserID        int64
	PlanID        int64
	ProviderTxnID string
}

// Finalize records the paid transaction and activates or extends the user's
// subscription in one transaction. Replays of the same provider transaction return the
// original result with AlreadyProcessed set and change nothing.
func (s *Service) Finalize(ctx context.Context, input FinalizeInput) (Result, error) {
	input.ProviderTxnID = strings.TrimSpace(input.ProviderTxnID)
	if input.ProviderTxnID == "" {
		return Result{}, shared.Invalid("provider_txn_id", "required")
	}
	if input.UserID <= 0 {
		return Result{}, shared.Invalid("user_id", "required")
	}
	if input.PlanID <= 0 {
		return Result{}, shared.Invalid("plan_id", "required")
	}

	var res Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prior, ok, err := tx.PaidTransaction(ctx, input.ProviderTxnID)
		if err != nil {
			return err
		}
		if ok {
			res, err = replayed(ctx, tx, prior)
			return err
		}
		plan, err := tx.Plan(ctx, input.PlanID)
		if err != nil {
			return err
		}
		at := s.now()
		current, found, err := tx.ActiveSubscriptionForUpdate(ctx, input.UserID, at)
		if err != nil {
			return err
		}
		var cur *Subscription
		if found {
			cur = &current
		}
		sub, extended := Apply(cur, input.UserID, plan, at)
		if extended {
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		} else {
			id, err := tx.InsertSubscription(ctx, sub)
			if err != nil {
				return err
			}
			sub.ID = id
		}
		txn := Transaction{UserID: input.UserID, PlanID: plan.ID, ProviderTxnID: input.ProviderTxnID, Amount: plan.Price,
			Status: TxnPaid, SubscriptionID: sub.ID, PaidAt: at}
		id, err := tx.InsertTransaction(ctx, txn)
		if err != nil {
			return err
		}
		txn.ID = id
		res = Result{Subscription: sub, Transaction: txn, Extended: extended}
		return nil
	})
	if errors.Is(err, shared.ErrDuplicate) {
		// Lost the race to a concurrent delivery; report what the winner committed.
		return s.lookup(ctx, input.ProviderTxnID)
	}
	if err != nil {
		return Result{}, err
	}
	if !res.AlreadyProcessed {
		s.dispatcher.Dispatch(ctx, finalizeEffects(res))
	}
	return res, nil
}

func replayed(ctx context.Context, tx TxRepository, prior Transaction) (Result, error) {
	sub, err := tx.GetSubscription(ctx, prior.SubscriptionID)
	if err != nil {
		return Result{}, err
	}
	return Result{Subscription: sub, Transaction: prior, AlreadyProcessed: true}, nil
}

func (s *Service) lookup(ctx context.Context, providerTxnID string) (Result, error) {
	var res Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prior, ok, err := tx.PaidTransaction(ctx, providerTxnID)
		if err != nil {
			return err
		}
		if !ok {
			return shared.Conflict("payment_transaction", 0, "unknown", TxnPaid)
		}
		res, err = replayed(ctx, tx, prior)
		return err
	})
	return res, err
}

func finalizeEffects(res Result) shared.Effects {
	var eff shared.Effects
	eventType, title := "subscription_activated", "Subscription activated"
	if res.Extended {
		eventType, title = "subscription_extended", "Subscription extended"
	}
	p := map[string]any{
		"subscription_id": res.Subscription.ID,
		"plan_id":         res.Subscription.PlanID,
		"ends_at":         res.Subscription.EndsAt.Format(time.RFC3339),
		"provider_txn_id": res.Transaction.ProviderTxnID,
		"amount":          res.Transaction.Amount.StringFixed(2),
	}
	eff.Audit(shared.AuditEvent{ActorID: res.Transaction.UserID, Type: eventType, Description: title + " by provider payment",
		EntityType: "subscription", EntityID: res.Subscription.ID, RiskLevel: shared.RiskLow, Payload: p})
	eff.Notify(shared.Notification{RecipientIDs: []int64{res.Transaction.UserID}, Type: eventType, Title: title, Payload: p})
	return eff
}
