package funds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// Repository persists allocations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional ledger operations. Other workflows obtain one
// over their own transaction through NewTxRepository.
type TxRepository interface {
	LockPools(ctx context.Context, facilityID int64, types []FundType) ([]Allocation, error)
	GetForUpdate(ctx context.Context, id int64) (Allocation, error)
	Insert(ctx context.Context, a Allocation) (int64, error)
	Save(ctx context.Context, a Allocation) error
	SaveUsage(ctx context.Context, a Allocation) error
	InsertMovement(ctx context.Context, m Movement) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger operations to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("funds repository not initialised")
	}
	err := db.WithTxRetry(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: allocation modified concurrently", shared.ErrStateConflict)
	}
	return err
}

const allocationColumns = `id, facility_id, fund_type, sponsor_name, allocated_amount, utilized_amount, remaining_amount, is_active, created_by, created_at, updated_at`

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	var fundType string
	if err := row.Scan(&a.ID, &a.FacilityID, &fundType, &a.SponsorName, &a.Allocated, &a.Utilized, &a.Remaining, &a.IsActive, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Allocation{}, err
	}
	a.FundType = FundType(fundType)
	return a, nil
}

func collect(rows pgx.Rows) ([]Allocation, error) {
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func typeStrings(types []FundType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// Get loads an allocation.
func (r *Repository) Get(ctx context.Context, id int64) (Allocation, error) {
	a, err := scanAllocation(r.pool.QueryRow(ctx, `SELECT `+allocationColumns+` FROM fund_allocations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrNotFound
	}
	return a, err
}

// ListActive returns the active pools of the given types.
func (r *Repository) ListActive(ctx context.Context, facilityID int64, types []FundType) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+allocationColumns+`
FROM fund_allocations
WHERE facility_id=$1 AND fund_type = ANY($2) AND is_active
ORDER BY id`, facilityID, typeStrings(types))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListByFacility returns every pool of a facility, archived ones included.
func (r *Repository) ListByFacility(ctx context.Context, facilityID int64) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+allocationColumns+` FROM fund_allocations WHERE facility_id=$1 ORDER BY fund_type, id`, facilityID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *txRepository) LockPools(ctx context.Context, facilityID int64, types []FundType) ([]Allocation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+allocationColumns+`
FROM fund_allocations
WHERE facility_id=$1 AND fund_type = ANY($2) AND is_active
ORDER BY id
FOR UPDATE`, facilityID, typeStrings(types))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (Allocation, error) {
	a, err := scanAllocation(t.tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM fund_allocations WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrNotFound
	}
	return a, err
}

func (t *txRepository) Insert(ctx context.Context, a Allocation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO fund_allocations (facility_id, fund_type, sponsor_name, allocated_amount, utilized_amount, remaining_amount, is_active, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`,
		a.FacilityID, string(a.FundType), a.SponsorName, a.Allocated, a.Utilized, a.Remaining, a.IsActive, a.CreatedBy, a.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepository) Save(ctx context.Context, a Allocation) error {
	_, err := t.tx.Exec(ctx, `UPDATE fund_allocations SET sponsor_name=$2, allocated_amount=$3, remaining_amount=$4, is_active=$5, updated_at=$6 WHERE id=$1`,
		a.ID, a.SponsorName, a.Allocated, a.Remaining, a.IsActive, a.UpdatedAt)
	return err
}

func (t *txRepository) SaveUsage(ctx context.Context, a Allocation) error {
	_, err := t.tx.Exec(ctx, `UPDATE fund_allocations SET utilized_amount=$2, remaining_amount=$3, updated_at=$4 WHERE id=$1`,
		a.ID, a.Utilized, a.Remaining, a.UpdatedAt)
	return err
}

func (t *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO fund_movements (allocation_id, disbursement_id, amount, occurred_at) VALUES ($1, $2, $3, $4)`,
		m.AllocationID, m.DisbursementID, m.Amount, m.At)
	return err
}
