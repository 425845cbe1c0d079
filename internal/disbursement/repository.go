package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// SignalSemesterUtilized marks a beneficiary who has received every COLA month of the
// enrollment window.
const SignalSemesterUtilized = "semester_utilized"

// Repository persists disbursements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, d Disbursement) (int64, error)
	ExistsForAidRequest(ctx context.Context, aidRequestID int64) (bool, error)
	GetForUpdate(ctx context.Context, id int64) (Disbursement, error)
	Update(ctx context.Context, d Disbursement) error
	ClaimConfirmation(ctx context.Context, key string, at time.Time) error
	CountReceivedCola(ctx context.Context, beneficiaryID int64, from, to shared.Period) (int, error)
	InsertSignal(ctx context.Context, beneficiaryID int64, kind string, windowStart shared.Period, at time.Time) (bool, error)
	Funds() funds.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds disbursement operations to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside repeatable-read transaction, re-running it when a
// concurrent confirmation on the same pool wins the race.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("disbursement repository not initialised")
	}
	err := db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: disbursement modified concurrently", shared.ErrStateConflict)
	}
	return err
}

const disbursementColumns = `id, aid_request_id, beneficiary_id, facility_id, fund_type, period_year, period_month, amount, status,
finance_disbursed_by, finance_disbursed_at,
caseworker_received_by, caseworker_received_at,
caseworker_disbursed_by, caseworker_disbursed_at,
beneficiary_received_by, beneficiary_received_at,
liquidated_amount, remaining_to_liquidate, fully_liquidated,
created_at, updated_at`

func hop(by *int64, at *time.Time) *Hop {
	if by == nil || at == nil {
		return nil
	}
	return &Hop{By: *by, At: *at}
}

func hopArgs(h *Hop) (any, any) {
	if h == nil {
		return nil, nil
	}
	return h.By, h.At
}

func scanDisbursement(row pgx.Row) (Disbursement, error) {
	var (
		d                     Disbursement
		fundType, status      string
		year, month           *int
		cwRecvBy, cwDisbBy    *int64
		benBy                 *int64
		cwRecvAt, cwDisbAt    *time.Time
		benAt                 *time.Time
		liquidated, remaining *decimal.Decimal
		fully                 *bool
	)
	err := row.Scan(&d.ID, &d.AidRequestID, &d.BeneficiaryID, &d.FacilityID, &fundType, &year, &month, &d.Amount, &status,
		&d.FinanceDisbursed.By, &d.FinanceDisbursed.At,
		&cwRecvBy, &cwRecvAt, &cwDisbBy, &cwDisbAt, &benBy, &benAt,
		&liquidated, &remaining, &fully,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Disbursement{}, ErrNotFound
		}
		return Disbursement{}, err
	}
	d.FundType = funds.FundType(fundType)
	d.Status = Status(status)
	if year != nil && month != nil {
		d.Period = &shared.Period{Year: *year, Month: time.Month(*month)}
	}
	d.CaseworkerReceived = hop(cwRecvBy, cwRecvAt)
	d.CaseworkerDisbursed = hop(cwDisbBy, cwDisbAt)
	d.BeneficiaryReceived = hop(benBy, benAt)
	if liquidated != nil && remaining != nil && fully != nil {
		d.Liquidation = &LiquidationProgress{Liquidated: *liquidated, RemainingToLiquidate: *remaining, FullyLiquidated: *fully}
	}
	return d, nil
}

// Get loads a disbursement.
func (r *Repository) Get(ctx context.Context, id int64) (Disbursement, error) {
	if r == nil {
		return Disbursement{}, errors.New("disbursement repository not initialised")
	}
	return scanDisbursement(r.pool.QueryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id=$1`, id))
}

func (t *txRepository) Insert(ctx context.Context, d Disbursement) (int64, error) {
	var year, month any
	if d.Period != nil {
		year, month = d.Period.Year, int(d.Period.Month)
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO disbursements (aid_request_id, beneficiary_id, facility_id, fund_type, period_year, period_month,
amount, status, finance_disbursed_by, finance_disbursed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $10) RETURNING id`,
		d.AidRequestID, d.BeneficiaryID, d.FacilityID, string(d.FundType), year, month,
		d.Amount, string(d.Status), d.FinanceDisbursed.By, d.FinanceDisbursed.At).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, shared.Conflict("aid_request", d.AidRequestID, "disbursed", "approved without disbursement")
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepository) ExistsForAidRequest(ctx context.Context, aidRequestID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disbursements WHERE aid_request_id=$1)`, aidRequestID).Scan(&exists)
	return exists, err
}

func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (Disbursement, error) {
	return scanDisbursement(t.tx.QueryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) Update(ctx context.Context, d Disbursement) error {
	cwRecvBy, cwRecvAt := hopArgs(d.CaseworkerReceived)
	cwDisbBy, cwDisbAt := hopArgs(d.CaseworkerDisbursed)
	benBy, benAt := hopArgs(d.BeneficiaryReceived)
	var liquidated, remaining, fully any
	if d.Liquidation != nil {
		liquidated, remaining, fully = d.Liquidation.Liquidated, d.Liquidation.RemainingToLiquidate, d.Liquidation.FullyLiquidated
	}
	tag, err := t.tx.Exec(ctx, `UPDATE disbursements SET status=$2,
caseworker_received_by=$3, caseworker_received_at=$4,
caseworker_disbursed_by=$5, caseworker_disbursed_at=$6,
beneficiary_received_by=$7, beneficiary_received_at=$8,
liquidated_amount=$9, remaining_to_liquidate=$10, fully_liquidated=$11,
updated_at=$12
WHERE id=$1`,
		d.ID, string(d.Status), cwRecvBy, cwRecvAt, cwDisbBy, cwDisbAt, benBy, benAt,
		liquidated, remaining, fully, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) ClaimConfirmation(ctx context.Context, key string, at time.Time) error {
	return shared.ClaimIdempotencyKey(ctx, t.tx, key, "disbursement", at)
}

func (t *txRepository) CountReceivedCola(ctx context.Context, beneficiaryID int64, from, to shared.Period) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM disbursements
WHERE beneficiary_id=$1 AND fund_type='cola' AND status='beneficiary_received'
AND (period_year * 12 + period_month) BETWEEN $2 AND $3`,
		beneficiaryID, from.Year*12+int(from.Month), to.Year*12+int(to.Month)).Scan(&n)
	return n, err
}

func (t *txRepository) InsertSignal(ctx context.Context, beneficiaryID int64, kind string, windowStart shared.Period, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO beneficiary_signals (beneficiary_id, kind, window_year, window_month, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (beneficiary_id, kind, window_year, window_month) DO NOTHING`,
		beneficiaryID, kind, windowStart.Year, int(windowStart.Month), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) Funds() funds.TxRepository {
	return funds.NewTxRepository(t.tx)
}
