package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/aidflow/aidflow/internal/platform/db"
)

// PGRepository reads audit_logs from PostgreSQL.
type PGRepository struct {
	db db.DBTX
}

// NewRepository constructs PGRepository.
func NewRepository(conn db.DBTX) *PGRepository {
	return &PGRepository{db: conn}
}

const timelineSQL = `SELECT a.id, a.occurred_at, COALESCE(a.actor_id, 0), a.event_type, a.description,
       a.entity_type, a.entity_id, a.risk_level, a.payload
FROM audit_logs a
JOIN users u ON u.id = a.actor_id
WHERE u.facility_id = $1
  AND ($2::timestamptz IS NULL OR a.occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR a.occurred_at < $3)
  AND ($4::bigint IS NULL OR a.actor_id = $4)
  AND ($5::text IS NULL OR a.entity_type = $5)
  AND ($6::bigint IS NULL OR a.entity_id = $6)
  AND ($7::text IS NULL OR a.event_type = $7)
  AND ($8::text[] IS NULL OR a.risk_level = ANY($8))
ORDER BY a.occurred_at DESC, a.id DESC
OFFSET $9 LIMIT $10`

// Timeline executes q.
func (r *PGRepository) Timeline(ctx context.Context, q Query) ([]TimelineRow, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repository not initialised")
	}
	rows, err := r.db.Query(ctx, timelineSQL,
		q.FacilityID,
		toPgTime(q.From),
		toPgTime(q.To),
		optionalID(q.ActorID),
		optionalText(q.EntityType),
		optionalID(q.EntityID),
		optionalText(q.EventType),
		risksFrom(q.MinRisk),
		q.Offset,
		q.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var payload []byte
		if err := rows.Scan(&row.ID, &row.At, &row.ActorID, &row.EventType, &row.Description, &row.EntityType, &row.EntityID, &row.RiskLevel, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 && string(payload) != "null" {
			row.Payload = payload
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func optionalID(id int64) pgtype.Int8 {
	if id <= 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: id, Valid: true}
}

func risksFrom(min string) []string {
	if min == "" {
		return nil
	}
	var out []string
	for level := range riskRank {
		if RiskAtLeast(level, min) {
			out = append(out, level)
		}
	}
	return out
}

var _ Repository = (*PGRepository)(nil)
