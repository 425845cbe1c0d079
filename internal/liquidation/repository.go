package liquidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/disbursement"
	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// DisbursementTx is the part of the disbursement store a liquidation decision writes.
type DisbursementTx interface {
	GetForUpdate(ctx context.Context, id int64) (disbursement.Disbursement, error)
	Update(ctx context.Context, d disbursement.Disbursement) error
}

// Repository persists liquidations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	LatestForDisbursementForUpdate(ctx context.Context, disbursementID int64) (Liquidation, bool, error)
	GetForUpdate(ctx context.Context, id int64) (Liquidation, error)
	Insert(ctx context.Context, l Liquidation) (int64, error)
	InsertReceipt(ctx context.Context, r Receipt) (int64, error)
	Update(ctx context.Context, l Liquidation) error
	SumApproved(ctx context.Context, disbursementID int64) (decimal.Decimal, error)
	Disbursements() DisbursementTx
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("liquidation repository not initialised")
	}
	err := db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: liquidation modified concurrently", shared.ErrStateConflict)
	}
	return err
}

const liquidationColumns = `id, disbursement_id, beneficiary_id, total_disbursed_amount, target_amount, total_receipt_amount,
remaining_amount, is_complete, status, rejected_at_level,
COALESCE(caseworker_by, 0), caseworker_at, caseworker_notes,
COALESCE(finance_by, 0), finance_at, finance_notes,
COALESCE(director_by, 0), director_at, director_notes,
submitted_at, created_at, updated_at`

func scanLiquidation(row pgx.Row) (Liquidation, error) {
	var (
		l             Liquidation
		status, level string
	)
	err := row.Scan(&l.ID, &l.DisbursementID, &l.BeneficiaryID, &l.TotalDisbursed, &l.Target, &l.TotalReceipts,
		&l.Remaining, &l.IsComplete, &status, &level,
		&l.Caseworker.By, &l.Caseworker.At, &l.Caseworker.Notes,
		&l.Finance.By, &l.Finance.At, &l.Finance.Notes,
		&l.Director.By, &l.Director.At, &l.Director.Notes,
		&l.SubmittedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Liquidation{}, ErrNotFound
		}
		return Liquidation{}, err
	}
	l.Status = Status(status)
	l.RejectedAtLevel = Level(level)
	return l, nil
}

func loadReceipts(ctx context.Context, conn db.DBTX, l *Liquidation) error {
	rows, err := conn.Query(ctx, `SELECT id, liquidation_id, amount, receipt_date, receipt_number, description, file_ref, created_at
FROM liquidation_receipts WHERE liquidation_id=$1 ORDER BY id`, l.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	l.Receipts = l.Receipts[:0]
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.LiquidationID, &r.Amount, &r.Date, &r.Number, &r.Description, &r.FileRef, &r.CreatedAt); err != nil {
			return err
		}
		l.Receipts = append(l.Receipts, r)
	}
	return rows.Err()
}

func getWithReceipts(ctx context.Context, conn db.DBTX, query string, args ...any) (Liquidation, error) {
	l, err := scanLiquidation(conn.QueryRow(ctx, query, args...))
	if err != nil {
		return Liquidation{}, err
	}
	if err := loadReceipts(ctx, conn, &l); err != nil {
		return Liquidation{}, fmt.Errorf("load receipts: %w", err)
	}
	return l, nil
}

// Get loads a liquidation with its receipts.
func (r *Repository) Get(ctx context.Context, id int64) (Liquidation, error) {
	if r == nil {
		return Liquidation{}, errors.New("liquidation repository not initialised")
	}
	return getWithReceipts(ctx, r.pool, `SELECT `+liquidationColumns+` FROM liquidations WHERE id=$1`, id)
}

// LatestForDisbursement returns the newest liquidation of a disbursement.
func (r *Repository) LatestForDisbursement(ctx context.Context, disbursementID int64) (Liquidation, error) {
	if r == nil {
		return Liquidation{}, errors.New("liquidation repository not initialised")
	}
	return getWithReceipts(ctx, r.pool, `SELECT `+liquidationColumns+` FROM liquidations
WHERE disbursement_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, disbursementID)
}

func (t *txRepository) LatestForDisbursementForUpdate(ctx context.Context, disbursementID int64) (Liquidation, bool, error) {
	l, err := getWithReceipts(ctx, t.tx, `SELECT `+liquidationColumns+` FROM liquidations
WHERE disbursement_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`, disbursementID)
	if errors.Is(err, ErrNotFound) {
		return Liquidation{}, false, nil
	}
	if err != nil {
		return Liquidation{}, false, err
	}
	return l, true, nil
}

func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (Liquidation, error) {
	return getWithReceipts(ctx, t.tx, `SELECT `+liquidationColumns+` FROM liquidations WHERE id=$1 FOR UPDATE`, id)
}

func (t *txRepository) Insert(ctx context.Context, l Liquidation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO liquidations (disbursement_id, beneficiary_id, total_disbursed_amount, target_amount,
total_receipt_amount, remaining_amount, is_complete, status, rejected_at_level, caseworker_notes, finance_notes, director_notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', '', '', '', $9, $9) RETURNING id`,
		l.DisbursementID, l.BeneficiaryID, l.TotalDisbursed, l.Target, l.TotalReceipts, l.Remaining, l.IsComplete,
		string(l.Status), l.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepository) InsertReceipt(ctx context.Context, r Receipt) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO liquidation_receipts (liquidation_id, amount, receipt_date, receipt_number, description, file_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		r.LiquidationID, r.Amount, r.Date, r.Number, r.Description, r.FileRef, r.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepository) Update(ctx context.Context, l Liquidation) error {
	tag, err := t.tx.Exec(ctx, `UPDATE liquidations SET total_receipt_amount=$2, remaining_amount=$3, is_complete=$4, status=$5,
rejected_at_level=$6,
caseworker_by=NULLIF($7::bigint, 0), caseworker_at=$8, caseworker_notes=$9,
finance_by=NULLIF($10::bigint, 0), finance_at=$11, finance_notes=$12,
director_by=NULLIF($13::bigint, 0), director_at=$14, director_notes=$15,
submitted_at=$16, updated_at=$17
WHERE id=$1`,
		l.ID, l.TotalReceipts, l.Remaining, l.IsComplete, string(l.Status), string(l.RejectedAtLevel),
		l.Caseworker.By, l.Caseworker.At, l.Caseworker.Notes,
		l.Finance.By, l.Finance.At, l.Finance.Notes,
		l.Director.By, l.Director.At, l.Director.Notes,
		l.SubmittedAt, l.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) SumApproved(ctx context.Context, disbursementID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(total_receipt_amount), 0) FROM liquidations
WHERE disbursement_id=$1 AND status='approved'`, disbursementID).Scan(&total)
	return total, err
}

func (t *txRepository) Disbursements() DisbursementTx {
	return disbursement.NewTxRepository(t.tx)
}

// receiptTime normalizes a receipt date to midnight UTC.
func receiptTime(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
