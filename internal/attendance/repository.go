package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/shared"
)

// Repository persists attendance in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id, beneficiary_id, attended_on, day_of_week, status, notes, recorded_by, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var status string
	var dow int
	if err := row.Scan(&r.ID, &r.BeneficiaryID, &r.Date, &dow, &status, &r.Notes, &r.RecordedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.DayOfWeek = time.Weekday(dow)
	return r, nil
}

// Insert stores a new record. A second record for the same date is a DuplicateError.
func (r *Repository) Insert(ctx context.Context, rec Record) (int64, error) {
	if r == nil {
		return 0, errors.New("attendance repository not initialised")
	}
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO attendance_records (beneficiary_id, attended_on, day_of_week, status, notes, recorded_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		rec.BeneficiaryID, rec.Date, int(rec.DayOfWeek), string(rec.Status), rec.Notes, rec.RecordedBy, rec.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, &shared.DuplicateError{Entity: "attendance record", Key: rec.Date.Format(time.DateOnly)}
		}
		return 0, err
	}
	return id, nil
}

// Get loads a record.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Update rewrites status and notes.
func (r *Repository) Update(ctx context.Context, rec Record) error {
	tag, err := r.pool.Exec(ctx, `UPDATE attendance_records SET status=$2, notes=$3, recorded_by=$4, updated_at=$5 WHERE id=$1`,
		rec.ID, string(rec.Status), rec.Notes, rec.RecordedBy, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMonth returns the records of one beneficiary in a month, oldest first.
func (r *Repository) ListMonth(ctx context.Context, beneficiaryID int64, p shared.Period) ([]Record, error) {
	if r == nil {
		return nil, errors.New("attendance repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+`
FROM attendance_records
WHERE beneficiary_id=$1 AND attended_on >= $2 AND attended_on < $3
ORDER BY attended_on ASC`, beneficiaryID, p.Start(), p.End())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
