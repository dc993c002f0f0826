package deals

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// RecordService is the contract the HTTP layer needs.
type RecordService interface {
	Get(ctx context.Context, p access.Principal, id int64) (Deal, error)
	List(ctx context.Context, p access.Principal, filter ListFilter) ([]Deal, error)
	Update(ctx context.Context, p access.Principal, id int64, req UpdateDealRequest) (Deal, error)
	PatchStage(ctx context.Context, p access.Principal, id int64, stage Stage) (Deal, error)
	Unseen(ctx context.Context, p access.Principal, id int64) (bool, error)
	Acknowledge(ctx context.Context, p access.Principal, id int64) (Deal, error)
}

// Handler exposes deals as JSON.
type Handler struct {
	logger  *slog.Logger
	service RecordService
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service RecordService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers deal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/", h.update)
		r.Put("/stage", h.stage)
		r.Get("/unseen", h.unseen)
		r.Post("/acknowledge", h.acknowledge)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	filter := ListFilter{}
	if raw := r.URL.Query().Get("stage"); raw != "" {
		stage, err := ParseStage(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Stage = stage
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid limit", ErrValidation))
			return
		}
		filter.Limit = limit
	}
	deals, err := h.service.List(r.Context(), p, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if deals == nil {
		deals = []Deal{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := principalAndID(w, r)
	if !ok {
		return
	}
	deal, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deal)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	p, id, ok := principalAndID(w, r)
	if !ok {
		return
	}
	var req UpdateDealRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	deal, err := h.service.Update(r.Context(), p, id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deal)
}

func (h *Handler) stage(w http.ResponseWriter, r *http.Request) {
	p, id, ok := principalAndID(w, r)
	if !ok {
		return
	}
	var req StageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	deal, err := h.service.PatchStage(r.Context(), p, id, Stage(req.Stage))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deal)
}

func (h *Handler) unseen(w http.ResponseWriter, r *http.Request) {
	p, id, ok := principalAndID(w, r)
	if !ok {
		return
	}
	unseen, err := h.service.Unseen(r.Context(), p, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deal_id": id, "unseen": unseen})
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	p, id, ok := principalAndID(w, r)
	if !ok {
		return
	}
	deal, err := h.service.Acknowledge(r.Context(), p, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deal)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error("deal request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func principal(w http.ResponseWriter, r *http.Request) (access.Principal, bool) {
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal")
	}
	return p, ok
}

func principalAndID(w http.ResponseWriter, r *http.Request) (access.Principal, int64, bool) {
	p, ok := principal(w, r)
	if !ok {
		return access.Principal{}, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid deal id", ErrValidation))
		return access.Principal{}, 0, false
	}
	return p, id, true
}
