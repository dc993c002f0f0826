package rules

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

const (
	mutationRateLimit  = 30
	mutationRateWindow = time.Minute
	maxBulkItems       = 200
)

// AdminService is the contract the HTTP layer needs.
type AdminService interface {
	List(ctx context.Context, p access.Principal) ([]access.PermissionRule, error)
	Create(ctx context.Context, p access.Principal, req CreateRuleRequest) (access.PermissionRule, error)
	UpdateGrants(ctx context.Context, p access.Principal, id int64, req UpdateGrantsRequest) (access.PermissionRule, error)
	BulkSave(ctx context.Context, p access.Principal, items []BulkItem) (BulkResult, error)
	Delete(ctx context.Context, p access.Principal, id int64) error
}

// Handler exposes rule administration as JSON.
type Handler struct {
	logger  *slog.Logger
	service AdminService
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service AdminService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers rule routes. The router must already carry the
// resolved principal in the request context.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(mutationRateLimit, mutationRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "rule changes are rate limited")
		}),
	)
	r.Get("/", h.list)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/", h.create)
		gr.Post("/bulk", h.bulk)
		gr.Put("/{id}/grants", h.updateGrants)
		gr.Delete("/{id}", h.delete)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if p, ok := access.PrincipalFromContext(r.Context()); ok && strings.TrimSpace(p.ID) != "" {
		return "principal:" + p.ID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	rules, err := h.service.List(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rules == nil {
		rules = []access.PermissionRule{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req CreateRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	rule, err := h.service.Create(r.Context(), p, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) updateGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := ruleID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UpdateGrantsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	rule, err := h.service.UpdateGrants(r.Context(), p, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Rules []BulkItem `json:"rules"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if len(body.Rules) == 0 || len(body.Rules) > maxBulkItems {
		httpx.RespondError(w, fmt.Errorf("%w: between 1 and %d rules required", ErrValidation, maxBulkItems))
		return
	}
	result, err := h.service.BulkSave(r.Context(), p, body.Rules)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !result.Complete() {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := ruleID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), p, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal")
	}
	return p, ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error("rule admin request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func ruleID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid rule id", ErrValidation)
	}
	return id, nil
}
