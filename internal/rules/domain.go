// Package rules administers the permission rule matrix: listing, creating,
// editing and deleting the rules the access evaluator reads.
package rules

import (
	"fmt"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// Errors returned by the service and repository.
var (
	ErrRuleNotFound     = fmt.Errorf("rules: rule not found: %w", httpx.ErrNotFound)
	ErrDuplicateFeature = fmt.Errorf("rules: feature already has a rule: %w", httpx.ErrDuplicate)
	ErrPermissionDenied = fmt.Errorf("rules: permission denied: %w", httpx.ErrForbidden)
	ErrValidation       = fmt.Errorf("rules: %w", httpx.ErrValidation)
	ErrStaleRule        = fmt.Errorf("rules: rule changed since it was read: %w", httpx.ErrConflict)
)

// CreateRuleRequest defines a new rule.
type CreateRuleRequest struct {
	Feature          string              `json:"feature" yaml:"feature" validate:"required,max=80"`
	Module           string              `json:"module" yaml:"module" validate:"required,max=80"`
	AvailableActions []string            `json:"available_actions" yaml:"available_actions" validate:"required,min=1,dive,required"`
	Grants           map[string][]string `json:"grants" yaml:"grants" validate:"omitempty,dive,keys,required,endkeys,dive,required"`
}

// UpdateGrantsRequest replaces the granted actions of the roles it names.
// Roles not mentioned keep their grants. ExpectedVersion, when set, rejects
// the update if the rule changed since the caller read it.
type UpdateGrantsRequest struct {
	Grants          map[string][]string `json:"grants" validate:"required,min=1,dive,keys,required,endkeys,dive,required"`
	ExpectedVersion *int64              `json:"expected_version,omitempty" validate:"omitempty,min=1"`
}

// BulkItem is one rule in a bulk save. ID zero creates; otherwise the stored
// rule is replaced.
type BulkItem struct {
	ID              int64  `json:"id,omitempty" validate:"min=0"`
	ExpectedVersion *int64 `json:"expected_version,omitempty" validate:"omitempty,min=1"`
	CreateRuleRequest
}

// BulkFailure reports one item that could not be saved.
type BulkFailure struct {
	Index   int    `json:"index"`
	Feature string `json:"feature"`
	Error   string `json:"error"`
}

// BulkResult reports partial success explicitly.
type BulkResult struct {
	Saved  []access.PermissionRule `json:"saved"`
	Failed []BulkFailure           `json:"failed"`
}

// Complete reports whether every item was saved.
func (r BulkResult) Complete() bool {
	return len(r.Failed) == 0
}

// toRule converts a request into a validated rule.
func (req CreateRuleRequest) toRule() (access.PermissionRule, error) {
	available, err := access.ParseActionSet(req.AvailableActions)
	if err != nil {
		return access.PermissionRule{}, fmt.Errorf("%w: available_actions: %v", ErrValidation, err)
	}
	grants, err := parseGrants(req.Grants)
	if err != nil {
		return access.PermissionRule{}, err
	}
	rule := access.PermissionRule{
		Feature:   req.Feature,
		Module:    req.Module,
		Available: available,
		Grants:    grants,
	}
	if err := rule.Validate(); err != nil {
		return access.PermissionRule{}, err
	}
	return rule, nil
}

func parseGrants(raw map[string][]string) (map[access.RuleKey]access.ActionSet, error) {
	out := make(map[access.RuleKey]access.ActionSet, len(raw))
	for name, actions := range raw {
		key, err := access.NormalizeRuleKey(name)
		if err != nil {
			return nil, fmt.Errorf("%w: grants: %v", ErrValidation, err)
		}
		set, err := access.ParseActionSet(actions)
		if err != nil {
			return nil, fmt.Errorf("%w: grants[%s]: %v", ErrValidation, name, err)
		}
		if prev, dup := out[key]; dup {
			for a := range prev {
				set[a] = struct{}{}
			}
		}
		out[key] = set
	}
	return out, nil
}
