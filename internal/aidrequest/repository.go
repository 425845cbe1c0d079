package aidrequest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// Repository persists aid requests in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, r AidRequest) (int64, error)
	ExistsActive(ctx context.Context, beneficiaryID int64, fundType funds.FundType, p shared.Period) (bool, error)
	GetForUpdate(ctx context.Context, id int64) (AidRequest, error)
	Update(ctx context.Context, r AidRequest) error
	ListPendingColaForUpdate(ctx context.Context, beneficiaryID int64, p shared.Period) ([]AidRequest, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("aid request repository not initialised")
	}
	err := db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: aid request modified concurrently", shared.ErrStateConflict)
	}
	return err
}

const requestColumns = `id, beneficiary_id, facility_id, fund_type, amount, purpose, period_year, period_month, state,
caseworker_decision, COALESCE(caseworker_by, 0), caseworker_at, caseworker_notes,
finance_decision, COALESCE(finance_by, 0), finance_at, finance_notes,
director_decision, COALESCE(director_by, 0), director_at, director_notes,
created_at, updated_at`

func scanRequest(row pgx.Row) (AidRequest, error) {
	var (
		r                     AidRequest
		fundType, state       string
		year, month           *int
		cwDec, finDec, dirDec string
	)
	err := row.Scan(&r.ID, &r.BeneficiaryID, &r.FacilityID, &fundType, &r.Amount, &r.Purpose, &year, &month, &state,
		&cwDec, &r.Caseworker.DecidedBy, &r.Caseworker.DecidedAt, &r.Caseworker.Notes,
		&finDec, &r.Finance.DecidedBy, &r.Finance.DecidedAt, &r.Finance.Notes,
		&dirDec, &r.Director.DecidedBy, &r.Director.DecidedAt, &r.Director.Notes,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AidRequest{}, ErrNotFound
		}
		return AidRequest{}, err
	}
	r.FundType = funds.FundType(fundType)
	r.State = State(state)
	r.Caseworker.Decision = Decision(cwDec)
	r.Finance.Decision = Decision(finDec)
	r.Director.Decision = Decision(dirDec)
	if year != nil && month != nil {
		r.Period = &shared.Period{Year: *year, Month: time.Month(*month)}
	}
	return r, nil
}

func periodArgs(p *shared.Period) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Year, int(p.Month)
}

// Get loads a request.
func (r *Repository) Get(ctx context.Context, id int64) (AidRequest, error) {
	if r == nil {
		return AidRequest{}, errors.New("aid request repository not initialised")
	}
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM aid_requests WHERE id=$1`, id))
}

func (t *txRepository) Insert(ctx context.Context, r AidRequest) (int64, error) {
	year, month := periodArgs(r.Period)
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO aid_requests (beneficiary_id, facility_id, fund_type, amount, purpose, period_year, period_month,
state, status, stage, caseworker_decision, finance_decision, director_decision, caseworker_notes, finance_notes, director_notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, '', '', '', $14, $14) RETURNING id`,
		r.BeneficiaryID, r.FacilityID, string(r.FundType), r.Amount, r.Purpose, year, month,
		string(r.State), string(r.Status()), string(r.Stage()),
		string(r.Caseworker.Decision), string(r.Finance.Decision), string(r.Director.Decision), r.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, shared.RuleViolation("duplicate_period", "a request for this fund type and period already exists")
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepository) ExistsActive(ctx context.Context, beneficiaryID int64, fundType funds.FundType, p shared.Period) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM aid_requests
WHERE beneficiary_id=$1 AND fund_type=$2 AND period_year=$3 AND period_month=$4 AND status <> 'rejected')`,
		beneficiaryID, string(fundType), p.Year, int(p.Month)).Scan(&exists)
	return exists, err
}

func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (AidRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM aid_requests WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) Update(ctx context.Context, r AidRequest) error {
	_, err := t.tx.Exec(ctx, `UPDATE aid_requests SET amount=$2, state=$3, status=$4, stage=$5,
caseworker_decision=$6, caseworker_by=NULLIF($7::bigint, 0), caseworker_at=$8, caseworker_notes=$9,
finance_decision=$10, finance_by=NULLIF($11::bigint, 0), finance_at=$12, finance_notes=$13,
director_decision=$14, director_by=NULLIF($15::bigint, 0), director_at=$16, director_notes=$17,
updated_at=$18
WHERE id=$1`,
		r.ID, r.Amount, string(r.State), string(r.Status()), string(r.Stage()),
		string(r.Caseworker.Decision), r.Caseworker.DecidedBy, r.Caseworker.DecidedAt, r.Caseworker.Notes,
		string(r.Finance.Decision), r.Finance.DecidedBy, r.Finance.DecidedAt, r.Finance.Notes,
		string(r.Director.Decision), r.Director.DecidedBy, r.Director.DecidedAt, r.Director.Notes,
		r.UpdatedAt)
	return err
}

func (t *txRepository) ListPendingColaForUpdate(ctx context.Context, beneficiaryID int64, p shared.Period) ([]AidRequest, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+requestColumns+`
FROM aid_requests
WHERE beneficiary_id=$1 AND fund_type='cola' AND period_year=$2 AND period_month=$3 AND status='pending'
ORDER BY id
FOR UPDATE`, beneficiaryID, p.Year, int(p.Month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AidRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
