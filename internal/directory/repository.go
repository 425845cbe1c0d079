package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/shared"
)

// Repository reads directory data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Beneficiary loads one beneficiary profile.
func (r *Repository) Beneficiary(ctx context.Context, id int64) (Beneficiary, error) {
	if r == nil {
		return Beneficiary{}, errors.New("directory repository not initialised")
	}
	var b Beneficiary
	err := r.pool.QueryRow(ctx, `SELECT b.user_id, u.name, b.facility_id, COALESCE(b.caseworker_id, 0)
FROM beneficiaries b JOIN users u ON u.id = b.user_id
WHERE b.user_id=$1`, id).Scan(&b.ID, &b.Name, &b.FacilityID, &b.CaseworkerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Beneficiary{}, ErrNotFound
		}
		return Beneficiary{}, err
	}
	return b, nil
}

// Facility loads one facility.
func (r *Repository) Facility(ctx context.Context, id int64) (Facility, error) {
	if r == nil {
		return Facility{}, errors.New("directory repository not initialised")
	}
	var f Facility
	err := r.pool.QueryRow(ctx, `SELECT id, name, COALESCE(director_id, 0) FROM facilities WHERE id=$1`, id).Scan(&f.ID, &f.Name, &f.DirectorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Facility{}, ErrNotFound
		}
		return Facility{}, err
	}
	return f, nil
}

// StaffIDs lists active users of a role attached to a facility.
func (r *Repository) StaffIDs(ctx context.Context, facilityID int64, role shared.Role) ([]int64, error) {
	if r == nil {
		return nil, errors.New("directory repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE facility_id=$1 AND role=$2 AND is_active ORDER BY id`, facilityID, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
