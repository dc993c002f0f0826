package access

import (
	"context"
	"strings"
	"time"
)

// Principal describes the authenticated actor. It is produced by the identity
// layer and passed explicitly into every check.
type Principal struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the principal identifies someone and its session is
// still live at now. A zero ExpiresAt never expires.
func (p Principal) Valid(now time.Time) bool {
	if strings.TrimSpace(p.ID) == "" || p.Role.Kind == KindUnknown {
		return false
	}
	return p.ExpiresAt.IsZero() || now.Before(p.ExpiresAt)
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
