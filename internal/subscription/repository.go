package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// Repository persists plans, subscriptions and payment transactions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	PaidTransaction(ctx context.Context, providerTxnID string) (Transaction, bool, error)
	Plan(ctx context.Context, id int64) (Plan, error)
	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	ActiveSubscriptionForUpdate(ctx context.Context, userID int64, at time.Time) (Subscription, bool, error)
	InsertSubscription(ctx context.Context, s Subscription) (int64, error)
	UpdateSubscription(ctx context.Context, s Subscription) error
	InsertTransaction(ctx context.Context, t Transaction) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction, re-running it when a
// concurrent finalization for the same user wins the race. A replayed delivery then finds
// the winner's paid transaction; only a race that keeps losing surfaces as a conflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("subscription repository not initialised")
	}
	err := db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: subscription modified concurrently", shared.ErrStateConflict)
	}
	return err
}

func (t *txRepository) PaidTransaction(ctx context.Context, providerTxnID string) (Transaction, bool, error) {
	var txn Transaction
	err := t.tx.QueryRow(ctx, `SELECT id, user_id, plan_id, provider_txn_id, amount, status, subscription_id, paid_at
FROM payment_transactions WHERE provider_txn_id=$1 AND status='paid'`, providerTxnID).
		Scan(&txn.ID, &txn.UserID, &txn.PlanID, &txn.ProviderTxnID, &txn.Amount, &txn.Status, &txn.SubscriptionID, &txn.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func (t *txRepository) Plan(ctx context.Context, id int64) (Plan, error) {
	var p Plan
	err := t.tx.QueryRow(ctx, `SELECT id, name, duration_days, price FROM plans WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.DurationDays, &p.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	return p, err
}

const subscriptionColumns = `id, user_id, plan_id, starts_at, ends_at, status`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	var status string
	if err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.StartsAt, &s.EndsAt, &status); err != nil {
		return Subscription{}, err
	}
	s.Status = Status(status)
	return s, nil
}

func (t *txRepository) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return s, err
}

func (t *txRepository) ActiveSubscriptionForUpdate(ctx context.Context, userID int64, at time.Time) (Subscription, bool, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
WHERE user_id=$1 AND status='active' AND ends_at > $2
ORDER BY ends_at DESC LIMIT 1 FOR UPDATE`, userID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return s, true, nil
}

func (t *txRepository) InsertSubscription(ctx context.Context, s Subscription) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO subscriptions (user_id, plan_id, starts_at, ends_at, status)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, s.UserID, s.PlanID, s.StartsAt, s.EndsAt, string(s.Status)).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateSubscription(ctx context.Context, s Subscription) error {
	_, err := t.tx.Exec(ctx, `UPDATE subscriptions SET plan_id=$2, ends_at=$3, status=$4 WHERE id=$1`,
		s.ID, s.PlanID, s.EndsAt, string(s.Status))
	return err
}

func (t *txRepository) InsertTransaction(ctx context.Context, txn Transaction) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payment_transactions (user_id, plan_id, provider_txn_id, amount, status, subscription_id, paid_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		txn.UserID, txn.PlanID, txn.ProviderTxnID, txn.Amount, txn.Status, txn.SubscriptionID, txn.PaidAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, &shared.DuplicateError{Entity: "payment_transaction", Key: txn.ProviderTxnID}
		}
		return 0, err
	}
	return id, nil
}
