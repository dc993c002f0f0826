package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Action is a capability checked against a feature.
type Action string

// Permitted actions. The set is closed; anything else is rejected at the
// boundary by ParseAction.
const (
	ActionRead    Action = "Read"
	ActionWrite   Action = "Write"
	ActionDelete  Action = "Delete"
	ActionExport  Action = "Export"
	ActionApprove Action = "Approve"
)

// ErrInvalidAction is returned for action names outside the permitted set.
var ErrInvalidAction = errors.New("access: invalid action")

var knownActions = []Action{ActionRead, ActionWrite, ActionDelete, ActionExport, ActionApprove}

// KnownActions returns the permitted actions in canonical order.
func KnownActions() []Action {
	out := make([]Action, len(knownActions))
	copy(out, knownActions)
	return out
}

// ParseAction resolves an action name case-insensitively.
func ParseAction(raw string) (Action, error) {
	trimmed := strings.TrimSpace(raw)
	for _, a := range knownActions {
		if strings.EqualFold(string(a), trimmed) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
}

// ActionSet is an unordered set of actions.
type ActionSet map[Action]struct{}

// NewActionSet builds a set from the provided actions.
func NewActionSet(actions ...Action) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// ParseActionSet parses each name and fails on the first unknown action.
func ParseActionSet(names []string) (ActionSet, error) {
	set := make(ActionSet, len(names))
	for _, name := range names {
		a, err := ParseAction(name)
		if err != nil {
			return nil, err
		}
		set[a] = struct{}{}
	}
	return set, nil
}

// RawActionSet keeps names exactly as given. It is used when reading stored
// rules, whose unknown actions are left for PermissionRule.Validate to reject.
func RawActionSet(names []string) ActionSet {
	set := make(ActionSet, len(names))
	for _, name := range names {
		set[Action(name)] = struct{}{}
	}
	return set
}

// Unknown lists members outside the closed action set.
func (s ActionSet) Unknown() []Action {
	var out []Action
	for a := range s {
		if !isCanonical(a) {
			out = append(out, a)
		}
	}
	sortActions(out)
	return out
}

func isCanonical(a Action) bool {
	for _, k := range knownActions {
		if k == a {
			return true
		}
	}
	return false
}

// Has reports membership.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// SubsetOf reports whether every member of s is in other.
func (s ActionSet) SubsetOf(other ActionSet) bool {
	for a := range s {
		if !other.Has(a) {
			return false
		}
	}
	return true
}

// Minus returns the members of s missing from other.
func (s ActionSet) Minus(other ActionSet) []Action {
	var out []Action
	for a := range s {
		if !other.Has(a) {
			out = append(out, a)
		}
	}
	sortActions(out)
	return out
}

// Clone copies the set.
func (s ActionSet) Clone() ActionSet {
	out := make(ActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// Sorted lists members in canonical order.
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sortActions(out)
	return out
}

// MarshalJSON encodes the set as a sorted list of names.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a list of names, rejecting unknown actions.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set, err := ParseActionSet(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func sortActions(actions []Action) {
	rank := func(a Action) int {
		for i, k := range knownActions {
			if k == a {
				return i
			}
		}
		return len(knownActions)
	}
	sort.Slice(actions, func(i, j int) bool {
		ri, rj := rank(actions[i]), rank(actions[j])
		if ri != rj {
			return ri < rj
		}
		return actions[i] < actions[j]
	})
}
