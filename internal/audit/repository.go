package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs from Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository builds the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Timeline returns matching rows, newest first.
func (r *PGRepository) Timeline(ctx context.Context, q Query) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT occurred_at, actor_id, action, entity, entity_id, meta
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at < $2)
		  AND ($3::text IS NULL OR actor_id = $3)
		  AND ($4::text IS NULL OR entity = $4)
		  AND ($5::text IS NULL OR entity_id = $5)
		  AND ($6::text IS NULL OR action = $6)
		ORDER BY occurred_at DESC, id DESC
		OFFSET $7 LIMIT $8`,
		toPgTime(q.From), toPgTime(q.To),
		optionalText(q.Actor), optionalText(q.Entity), optionalText(q.EntityID), optionalText(q.Action),
		q.Offset, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			at   pgtype.Timestamptz
			meta []byte
		)
		if err := rows.Scan(&at, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan timeline: %w", err)
		}
		if at.Valid {
			row.At = at.Time
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, fmt.Errorf("audit: decode meta: %w", err)
			}
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
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
