package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// Repository persists verifications in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, v Verification) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Verification, error)
	UpdateReview(ctx context.Context, v Verification) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("enrollment repository not initialised")
	}
	err := db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: verification modified concurrently", shared.ErrStateConflict)
	}
	return err
}

const verificationColumns = `id, beneficiary_id, is_scholar, enrollment_date, document_ref, status,
COALESCE(reviewed_by, 0), reviewed_at, review_notes, created_at`

func scanVerification(row pgx.Row) (Verification, error) {
	var v Verification
	var status string
	if err := row.Scan(&v.ID, &v.BeneficiaryID, &v.IsScholar, &v.EnrollmentDate, &v.DocumentRef, &status,
		&v.ReviewedBy, &v.ReviewedAt, &v.ReviewNotes, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Verification{}, ErrNotFound
		}
		return Verification{}, err
	}
	v.Status = Status(status)
	return v, nil
}

// Get loads a verification.
func (r *Repository) Get(ctx context.Context, id int64) (Verification, error) {
	return scanVerification(r.pool.QueryRow(ctx, `SELECT `+verificationColumns+` FROM enrollment_verifications WHERE id=$1`, id))
}

// LatestApproved returns the most recently reviewed approved verification.
func (r *Repository) LatestApproved(ctx context.Context, beneficiaryID int64) (Verification, error) {
	return scanVerification(r.pool.QueryRow(ctx, `SELECT `+verificationColumns+`
FROM enrollment_verifications
WHERE beneficiary_id=$1 AND status='approved'
ORDER BY reviewed_at DESC NULLS LAST, id DESC
LIMIT 1`, beneficiaryID))
}

func (t *txRepository) Insert(ctx context.Context, v Verification) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO enrollment_verifications (beneficiary_id, is_scholar, enrollment_date, document_ref, status, review_notes, created_at)
VALUES ($1, $2, $3, $4, $5, '', $6) RETURNING id`, v.BeneficiaryID, v.IsScholar, v.EnrollmentDate, v.DocumentRef, string(v.Status), v.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (Verification, error) {
	return scanVerification(t.tx.QueryRow(ctx, `SELECT `+verificationColumns+` FROM enrollment_verifications WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateReview(ctx context.Context, v Verification) error {
	_, err := t.tx.Exec(ctx, `UPDATE enrollment_verifications SET status=$2, reviewed_by=$3, reviewed_at=$4, review_notes=$5 WHERE id=$1`,
		v.ID, string(v.Status), v.ReviewedBy, v.ReviewedAt, v.ReviewNotes)
	return err
}
