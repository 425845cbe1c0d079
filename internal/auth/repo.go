package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/shared"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches a user by email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	var u User
	var role string
	err := r.pool.QueryRow(ctx, `SELECT id, email, password_hash, role, COALESCE(facility_id, 0), is_active, created_at, updated_at
FROM users WHERE lower(email) = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.FacilityID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, shared.ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Role = shared.Role(role)
	return u, nil
}

var _ Repository = (*PGRepository)(nil)
