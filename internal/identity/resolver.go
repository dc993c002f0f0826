// Package identity turns inbound requests into resolved principals. Tokens
// are validated here but never issued.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = fmt.Errorf("identity: missing or invalid: %w", httpx.ErrUnauthorized)

// Resolver extracts the principal from a request.
type Resolver interface {
	Resolve(r *http.Request) (access.Principal, error)
}

// Header names set by a trusted authenticating proxy.
const (
	HeaderPrincipalID   = "X-Principal-Id"
	HeaderPrincipalName = "X-Principal-Name"
	HeaderPrincipalRole = "X-Principal-Role"
)

// HeaderResolver trusts identity headers injected by an upstream proxy.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(r *http.Request) (access.Principal, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
	if id == "" {
		return access.Principal{}, ErrNoIdentity
	}
	role, err := access.ParseRole(r.Header.Get(HeaderPrincipalRole))
	if err != nil {
		return access.Principal{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	return access.Principal{
		ID:   id,
		Name: strings.TrimSpace(r.Header.Get(HeaderPrincipalName)),
		Role: role,
	}, nil
}

// Claims carried by bearer tokens.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenResolver validates HMAC-signed bearer tokens.
type TokenResolver struct {
	secret []byte
	now    func() time.Time
}

// NewTokenResolver builds a TokenResolver for the shared secret.
func NewTokenResolver(secret string) *TokenResolver {
	return &TokenResolver{secret: []byte(secret), now: time.Now}
}

// Resolve implements Resolver.
func (t *TokenResolver) Resolve(r *http.Request) (access.Principal, error) {
	raw, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		return access.Principal{}, ErrNoIdentity
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return access.Principal{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return access.Principal{}, ErrNoIdentity
	}
	role, err := access.ParseRole(claims.Role)
	if err != nil {
		return access.Principal{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	p := access.Principal{ID: claims.Subject, Name: claims.Name, Role: role}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func bearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware resolves the principal and stores it in the request context.
// Requests without a valid identity get 401.
func Middleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolver.Resolve(r)
			if err != nil {
				if logger != nil && !errors.Is(err, ErrNoIdentity) {
					logger.Error("resolve identity", slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(access.ContextWithPrincipal(r.Context(), p)))
		})
	}
}
