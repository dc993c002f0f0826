package deals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/opsdash/internal/platform/db"
)

// Mutation turns the current deal into the next one. Returning the deal
// unchanged (same ledger length) skips the write.
type Mutation func(current Deal) (Deal, error)

// Repository persists deals and their ledgers.
type Repository interface {
	Get(ctx context.Context, id int64) (Deal, error)
	List(ctx context.Context, filter ListFilter) ([]Deal, error)
	// Apply locks the deal, runs fn and stores the result together with any
	// ledger entries fn appended, in one transaction.
	Apply(ctx context.Context, id int64, fn Mutation) (Deal, error)
	// Acknowledge adds principalID to every entry lacking it.
	Acknowledge(ctx context.Context, id int64, principalID string) (Deal, error)
}

const defaultListLimit = 200

// PGRepository is the PostgreSQL backed Repository.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const dealColumns = `id, title, client, venue, owner, value, event_date, stage, version, updated_at`

// Get loads a deal with its full ledger.
func (r *PGRepository) Get(ctx context.Context, id int64) (Deal, error) {
	return getDeal(ctx, r.pool, id, false)
}

// List returns deals ordered by id, each with its ledger.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Deal, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx, `SELECT `+dealColumns+` FROM deals
		WHERE ($1::TEXT = '' OR stage = $1::TEXT)
		ORDER BY id
		LIMIT $2`, string(filter.Stage), limit)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var out []Deal
	ids := []int64{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	logs, err := loadChanges(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].ChangeLog = logs[out[i].ID]
		if out[i].ChangeLog == nil {
			out[i].ChangeLog = []ChangeEntry{}
		}
	}
	return out, nil
}

// Apply implements Repository.
func (r *PGRepository) Apply(ctx context.Context, id int64, fn Mutation) (Deal, error) {
	var result Deal
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getDeal(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		added, err := appendedEntries(current.ChangeLog, next.ChangeLog)
		if err != nil {
			return fmt.Errorf("deal %d: %w", id, err)
		}
		if len(added) == 0 {
			result = current
			return nil
		}
		var eventDate pgtype.Date
		if next.EventDate != nil {
			eventDate = pgtype.Date{Time: *next.EventDate, Valid: true}
		}
		row := tx.QueryRow(ctx, `
			UPDATE deals
			SET title = $2, client = $3, venue = $4, owner = $5, value = $6, event_date = $7, stage = $8,
			    version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+dealColumns,
			id, next.Title, next.Client, next.Venue, next.Owner, next.Value, eventDate, string(next.Stage))
		stored, err := scanDeal(row)
		if err != nil {
			return fmt.Errorf("update deal: %w", err)
		}
		base := len(current.ChangeLog)
		for i, entry := range added {
			if err := insertChange(ctx, tx, id, base+i, entry); err != nil {
				return err
			}
		}
		stored.ChangeLog = append(current.ChangeLog, added...)
		result = stored
		return nil
	})
	if err != nil {
		return Deal{}, err
	}
	return result, nil
}

// Acknowledge implements Repository. The update is a set union, so
// concurrent viewers commute.
func (r *PGRepository) Acknowledge(ctx context.Context, id int64, principalID string) (Deal, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Deal{}, fmt.Errorf("check deal: %w", err)
	}
	if !exists {
		return Deal{}, ErrDealNotFound
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE deal_changes
		SET acknowledged_by = array_append(acknowledged_by, $2)
		WHERE deal_id = $1 AND NOT ($2 = ANY(acknowledged_by))`, id, principalID); err != nil {
		return Deal{}, fmt.Errorf("acknowledge changes: %w", err)
	}
	return r.Get(ctx, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getDeal(ctx context.Context, q querier, id int64, forUpdate bool) (Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDeal(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Deal{}, ErrDealNotFound
	}
	if err != nil {
		return Deal{}, fmt.Errorf("get deal: %w", err)
	}
	logs, err := loadChanges(ctx, q, []int64{id})
	if err != nil {
		return Deal{}, err
	}
	d.ChangeLog = logs[id]
	if d.ChangeLog == nil {
		d.ChangeLog = []ChangeEntry{}
	}
	return d, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d         Deal
		eventDate pgtype.Date
		stage     string
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Client, &d.Venue, &d.Owner, &d.Value, &eventDate, &stage, &d.Version, &d.UpdatedAt); err != nil {
		return Deal{}, err
	}
	d.Stage = Stage(stage)
	if eventDate.Valid {
		t := eventDate.Time
		d.EventDate = &t
	}
	return d, nil
}

func loadChanges(ctx context.Context, q querier, ids []int64) (map[int64][]ChangeEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT deal_id, id, occurred_at, author, field_changes, acknowledged_by
		FROM deal_changes
		WHERE deal_id = ANY($1)
		ORDER BY deal_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]ChangeEntry, len(ids))
	for rows.Next() {
		var (
			dealID int64
			e      ChangeEntry
			raw    []byte
			at     time.Time
		)
		if err := rows.Scan(&dealID, &e.ID, &at, &e.Author, &raw, &e.AcknowledgedBy); err != nil {
			return nil, err
		}
		e.Timestamp = at.UTC()
		if err := json.Unmarshal(raw, &e.FieldChanges); err != nil {
			return nil, fmt.Errorf("decode changes of deal %d: %w", dealID, err)
		}
		if e.AcknowledgedBy == nil {
			e.AcknowledgedBy = []string{}
		}
		out[dealID] = append(out[dealID], e)
	}
	return out, rows.Err()
}

func insertChange(ctx context.Context, tx pgx.Tx, dealID int64, position int, e ChangeEntry) error {
	raw, err := json.Marshal(e.FieldChanges)
	if err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO deal_changes (id, deal_id, position, occurred_at, author, field_changes, acknowledged_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, dealID, position, e.Timestamp, e.Author, raw, e.AcknowledgedBy)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}
