package access

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// ErrInvalidRule marks a rule that violates its shape invariants.
var ErrInvalidRule = fmt.Errorf("access: invalid rule: %w", httpx.ErrValidation)

// PermissionRule lists, for one feature, the actions it supports and the
// subset each role is granted.
type PermissionRule struct {
	ID        int64                 `json:"id"`
	Feature   string                `json:"feature"`
	Module    string                `json:"module"`
	Available ActionSet             `json:"available_actions"`
	Grants    map[RuleKey]ActionSet `json:"grants"`
	Version   int64                 `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Granted returns the actions granted to key; never nil.
func (r PermissionRule) Granted(key RuleKey) ActionSet {
	if set, ok := r.Grants[key]; ok && set != nil {
		return set
	}
	return ActionSet{}
}

// Validate checks that the feature is named, at least one action is
// available, and every grant stays within the available actions.
func (r PermissionRule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Feature) == "" {
		problems = append(problems, "feature is required")
	}
	if len(r.Available) == 0 {
		problems = append(problems, "at least one available action is required")
	}
	if unknown := r.Available.Unknown(); len(unknown) > 0 {
		problems = append(problems, fmt.Sprintf("unknown available actions %v", unknown))
	}
	keys := make([]string, 0, len(r.Grants))
	for key := range r.Grants {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == "" {
			problems = append(problems, "grant for empty role")
			continue
		}
		extra := r.Grants[RuleKey(key)].Minus(r.Available)
		if len(extra) > 0 {
			problems = append(problems, fmt.Sprintf("role %s granted unavailable actions %v", key, extra))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy.
func (r PermissionRule) Clone() PermissionRule {
	out := r
	out.Available = r.Available.Clone()
	out.Grants = make(map[RuleKey]ActionSet, len(r.Grants))
	for k, v := range r.Grants {
		out.Grants[k] = v.Clone()
	}
	return out
}

// RuleSet is an immutable index of rules by feature.
type RuleSet struct {
	byFeature map[string]PermissionRule
	ordered   []PermissionRule
}

// NewRuleSet indexes rules. When two rules name the same feature the later
// one wins, matching last-write-wins at the store.
func NewRuleSet(rules []PermissionRule) RuleSet {
	set := RuleSet{byFeature: make(map[string]PermissionRule, len(rules))}
	for _, r := range rules {
		set.byFeature[FeatureKey(r.Feature)] = r.Clone()
	}
	set.ordered = make([]PermissionRule, 0, len(set.byFeature))
	for _, r := range set.byFeature {
		set.ordered = append(set.ordered, r)
	}
	sort.Slice(set.ordered, func(i, j int) bool {
		if set.ordered[i].Module != set.ordered[j].Module {
			return set.ordered[i].Module < set.ordered[j].Module
		}
		return set.ordered[i].Feature < set.ordered[j].Feature
	})
	return set
}

// Lookup finds the rule for a feature.
func (s RuleSet) Lookup(feature string) (PermissionRule, bool) {
	r, ok := s.byFeature[FeatureKey(feature)]
	return r, ok
}

// Rules lists rules ordered by module then feature.
func (s RuleSet) Rules() []PermissionRule {
	out := make([]PermissionRule, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of features covered.
func (s RuleSet) Len() int {
	return len(s.byFeature)
}

// FeatureKey is the form under which feature names are unique: case folded
// with whitespace runs collapsed. "Leads" and " LEADS " share a key.
func FeatureKey(feature string) string {
	return foldName(feature)
}
