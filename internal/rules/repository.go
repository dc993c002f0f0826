package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/db"
)

// Repository persists permission rules.
type Repository interface {
	ListRules(ctx context.Context) ([]access.PermissionRule, error)
	GetRule(ctx context.Context, id int64) (access.PermissionRule, error)
	CreateRule(ctx context.Context, rule access.PermissionRule) (access.PermissionRule, error)
	// UpdateRule replaces module, available actions and grants. When
	// expectedVersion is non-zero the update only applies to that version.
	UpdateRule(ctx context.Context, rule access.PermissionRule, expectedVersion int64) (access.PermissionRule, error)
	DeleteRule(ctx context.Context, id int64) error
}

// PGRepository is the PostgreSQL backed Repository.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const ruleColumns = `id, feature, module, available_actions, grants, version, updated_at`

// ListRules returns every stored rule as stored. Callers validate.
func (r *PGRepository) ListRules(ctx context.Context) ([]access.PermissionRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM permission_rules ORDER BY module, feature`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []access.PermissionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// GetRule loads one rule.
func (r *PGRepository) GetRule(ctx context.Context, id int64) (access.PermissionRule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM permission_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.PermissionRule{}, ErrRuleNotFound
	}
	return rule, err
}

// CreateRule inserts a rule at version 1.
func (r *PGRepository) CreateRule(ctx context.Context, rule access.PermissionRule) (access.PermissionRule, error) {
	grants, err := encodeGrants(rule.Grants)
	if err != nil {
		return access.PermissionRule{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permission_rules (feature, module, available_actions, grants, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		RETURNING `+ruleColumns,
		strings.TrimSpace(rule.Feature), rule.Module, actionNames(rule.Available), grants)
	created, err := scanRule(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return access.PermissionRule{}, ErrDuplicateFeature
		}
		return access.PermissionRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return created, nil
}

// UpdateRule replaces the mutable parts of a rule and bumps its version.
func (r *PGRepository) UpdateRule(ctx context.Context, rule access.PermissionRule, expectedVersion int64) (access.PermissionRule, error) {
	grants, err := encodeGrants(rule.Grants)
	if err != nil {
		return access.PermissionRule{}, err
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE permission_rules
		SET module = $2, available_actions = $3, grants = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND ($5::BIGINT = 0 OR version = $5)
		RETURNING `+ruleColumns,
		rule.ID, rule.Module, actionNames(rule.Available), grants, expectedVersion)
	updated, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion == 0 {
			return access.PermissionRule{}, ErrRuleNotFound
		}
		if _, getErr := r.GetRule(ctx, rule.ID); getErr != nil {
			return access.PermissionRule{}, getErr
		}
		return access.PermissionRule{}, ErrStaleRule
	}
	if err != nil {
		return access.PermissionRule{}, fmt.Errorf("update rule: %w", err)
	}
	return updated, nil
}

// DeleteRule removes a rule permanently.
func (r *PGRepository) DeleteRule(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (access.PermissionRule, error) {
	var (
		rule      access.PermissionRule
		available []string
		grantsRaw []byte
		updatedAt time.Time
	)
	if err := row.Scan(&rule.ID, &rule.Feature, &rule.Module, &available, &grantsRaw, &rule.Version, &updatedAt); err != nil {
		return access.PermissionRule{}, err
	}
	rule.Available = access.RawActionSet(available)
	rule.UpdatedAt = updatedAt
	grants := map[string][]string{}
	if len(grantsRaw) > 0 {
		if err := json.Unmarshal(grantsRaw, &grants); err != nil {
			return access.PermissionRule{}, fmt.Errorf("decode grants of rule %d: %w", rule.ID, err)
		}
	}
	rule.Grants = make(map[access.RuleKey]access.ActionSet, len(grants))
	for key, actions := range grants {
		rule.Grants[access.RuleKey(key)] = access.RawActionSet(actions)
	}
	return rule, nil
}

func encodeGrants(grants map[access.RuleKey]access.ActionSet) ([]byte, error) {
	out := make(map[string][]string, len(grants))
	for key, set := range grants {
		out[string(key)] = actionNames(set)
	}
	return json.Marshal(out)
}

func actionNames(set access.ActionSet) []string {
	sorted := set.Sorted()
	out := make([]string, len(sorted))
	for i, a := range sorted {
		out[i] = string(a)
	}
	return out
}
