package access

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// RoleKind enumerates the roles known to the dashboard.
type RoleKind uint8

const (
	// KindUnknown is the zero value and never grants anything.
	KindUnknown RoleKind = iota
	// KindAdmin is the super-role. See Decide.
	KindAdmin
	KindManager
	KindSalesRep
	KindAssistant
	KindAccountant
	KindViewer
	// KindOther carries a free-form label for roles configured outside the
	// built-in set.
	KindOther
)

// RuleKey identifies a role inside a PermissionRule's grant map.
type RuleKey string

// Role is a closed set of named roles plus an Other variant with a label.
type Role struct {
	Kind  RoleKind
	Label string
}

// Built-in roles.
var (
	Admin      = Role{Kind: KindAdmin}
	Manager    = Role{Kind: KindManager}
	SalesRep   = Role{Kind: KindSalesRep}
	Assistant  = Role{Kind: KindAssistant}
	Accountant = Role{Kind: KindAccountant}
	Viewer     = Role{Kind: KindViewer}
)

// ErrInvalidRole is returned when a role string cannot be parsed.
var ErrInvalidRole = errors.New("access: invalid role")

// roleAliases maps folded, space-collapsed role names to a kind.
var roleAliases = map[string]RoleKind{
	"admin":                KindAdmin,
	"administrator":        KindAdmin,
	"super admin":          KindAdmin,
	"manager":              KindManager,
	"sales manager":        KindManager,
	"sales rep":            KindSalesRep,
	"salesrep":             KindSalesRep,
	"sales representative": KindSalesRep,
	"sales":                KindSalesRep,
	"assistant":            KindAssistant,
	"sales assistant":      KindAssistant,
	"accountant":           KindAccountant,
	"accounts":             KindAccountant,
	"finance":              KindAccountant,
	"viewer":               KindViewer,
	"read only":            KindViewer,
	"readonly":             KindViewer,
}

// ParseRole resolves an external role name. Comparison is case-insensitive and
// goes through an explicit alias table; names outside the table become an
// Other role carrying the normalised label.
func ParseRole(raw string) (Role, error) {
	name := foldName(raw)
	if name == "" {
		return Role{}, fmt.Errorf("%w: empty role", ErrInvalidRole)
	}
	if kind, ok := roleAliases[name]; ok {
		return Role{Kind: kind}, nil
	}
	return Role{Kind: KindOther, Label: name}, nil
}

// MustParseRole is ParseRole for static configuration. It panics on error.
func MustParseRole(raw string) Role {
	role, err := ParseRole(raw)
	if err != nil {
		panic(err)
	}
	return role
}

// RuleKey maps the role onto the key used in rule grant maps.
func (r Role) RuleKey() RuleKey {
	switch r.Kind {
	case KindAdmin:
		return "admin"
	case KindManager:
		return "manager"
	case KindSalesRep:
		return "salesrep"
	case KindAssistant:
		return "assistant"
	case KindAccountant:
		return "accountant"
	case KindViewer:
		return "viewer"
	case KindOther:
		return RuleKey(foldName(r.Label))
	default:
		return ""
	}
}

// IsSuper reports whether the role is the administrative super-role.
func (r Role) IsSuper() bool {
	return r.Kind == KindAdmin
}

// String returns the display name.
func (r Role) String() string {
	switch r.Kind {
	case KindAdmin:
		return "Admin"
	case KindManager:
		return "Manager"
	case KindSalesRep:
		return "Sales Rep"
	case KindAssistant:
		return "Assistant"
	case KindAccountant:
		return "Accountant"
	case KindViewer:
		return "Viewer"
	case KindOther:
		return r.Label
	default:
		return ""
	}
}

// MarshalText encodes the role by display name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role through ParseRole.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// NormalizeRuleKey turns an externally supplied grant key into the RuleKey of
// the role it names, so "Sales Rep" and "salesrep" address the same grant.
func NormalizeRuleKey(raw string) (RuleKey, error) {
	role, err := ParseRole(raw)
	if err != nil {
		return "", err
	}
	return role.RuleKey(), nil
}

func foldName(raw string) string {
	return cases.Fold().String(strings.Join(strings.Fields(raw), " "))
}
