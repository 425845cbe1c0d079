// Package subscription reconciles provider payment confirmations into paid
// transactions and active subscriptions, exactly once per provider transaction.
package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrNotFound indicates a missing plan or subscription.
var ErrNotFound = shared.ErrNotFound

// Plan is a purchasable subscription length.
type Plan struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	DurationDays int             `json:"duration_days"`
	Price        decimal.Decimal `json:"price"`
}

// Duration of one purchase of the plan.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Status of a subscription.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Subscription grants access between StartsAt and EndsAt.
type Subscription struct {
	ID       int64     `json:"id"`
	UserID   int64     `json:"user_id"`
	PlanID   int64     `json:"plan_id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Status   Status    `json:"status"`
}

// ActiveAt reports whether the subscription still runs at t.
func (s Subscription) ActiveAt(t time.Time) bool {
	return s.Status == StatusActive && s.EndsAt.After(t)
}

// TxnPaid is the only transaction status the reconciler writes.
const TxnPaid = "paid"

// Transaction is one paid provider transaction.
type Transaction struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	PlanID         int64           `json:"plan_id"`
	ProviderTxnID  string          `json:"provider_txn_id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	SubscriptionID int64           `json:"subscription_id"`
	PaidAt         time.Time       `json:"paid_at"`
}

// Result of a finalize call.
type Result struct {
	Subscription     Subscription `json:"subscription"`
	Transaction      Transaction  `json:"transaction"`
	Extended         bool         `json:"extended"`
	AlreadyProcessed bool         `json:"already_processed"`
}

// Apply extends current when it is still active at at, otherwise starts a new
// subscription at at. The bool reports whether current was extended.
func Apply(current *Subscription, userID int64, plan Plan, at time.Time) (Subscription, bool) {
	if current != nil && current.ActiveAt(at) {
		next := *current
		next.EndsAt = next.EndsAt.Add(plan.Duration())
		next.PlanID = plan.ID
		return next, true
	}
	return Subscription{
		UserID:   userID,
		PlanID:   plan.ID,
		StartsAt: at,
		EndsAt:   at.Add(plan.Duration()),
		Status:   StatusActive,
	}, false
}
