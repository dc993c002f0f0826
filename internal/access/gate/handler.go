package gate

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// Handler exposes access decisions to UI layers.
type Handler struct {
	gate   *Gate
	logger *slog.Logger
}

// NewHandler constructs the access API handler.
func NewHandler(logger *slog.Logger, g *Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gate: g, logger: logger}
}

// MountRoutes registers the access routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/check", h.check)
	r.Get("/me", h.me)
}

type meResponse struct {
	Principal    access.Principal           `json:"principal"`
	Capabilities map[string][]access.Action `json:"capabilities"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal")
		return
	}
	feature := strings.TrimSpace(r.URL.Query().Get("feature"))
	if feature == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "feature is required")
		return
	}
	action, err := access.ParseAction(r.URL.Query().Get("action"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, loaded := h.gate.Check(p, feature, action)
	if !loaded {
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "permissions loading")
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal")
		return
	}
	caps, loaded := h.gate.Capabilities(p)
	if !loaded {
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "permissions loading")
		return
	}
	httpx.JSON(w, http.StatusOK, meResponse{Principal: p, Capabilities: caps})
}
