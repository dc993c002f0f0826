package gate

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// Guard protects routes and API calls with the same gate the UI uses.
type Guard struct {
	Gate   *Gate
	Logger *slog.Logger
}

// Require admits the request only when the principal in context may perform
// action on feature. Rules still loading yield 503 rather than a guess.
func (m Guard) Require(feature string, action access.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := access.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal")
				return
			}
			allowed, loaded := m.Gate.Allowed(p, feature, action)
			if !loaded {
				if m.Logger != nil {
					m.Logger.Warn("guard before rules loaded", slog.String("path", r.URL.Path))
				}
				w.Header().Set("Retry-After", "1")
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "permissions loading")
				return
			}
			if !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", string(action)+" on "+feature+" not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
