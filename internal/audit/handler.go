package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

var errBadFilter = fmt.Errorf("audit: bad filter: %w", httpx.ErrValidation)

// TimelineService is the contract the HTTP layer needs.
type TimelineService interface {
	Timeline(ctx context.Context, p access.Principal, filters TimelineFilters) (Result, error)
}

// Handler serves the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the timeline endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleTimeline)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	p, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal")
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), p, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	filters := TimelineFilters{
		Actor:    q.Get("actor"),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		Action:   q.Get("action"),
	}
	var err error
	if filters.From, err = parseTime(q.Get("from")); err != nil {
		return TimelineFilters{}, fmt.Errorf("%w: from: %v", errBadFilter, err)
	}
	if filters.To, err = parseTime(q.Get("to")); err != nil {
		return TimelineFilters{}, fmt.Errorf("%w: to: %v", errBadFilter, err)
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && !filters.From.Before(filters.To) {
		return TimelineFilters{}, fmt.Errorf("%w: from must be before to", errBadFilter)
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page <= 0 {
			return TimelineFilters{}, fmt.Errorf("%w: page must be a positive integer", errBadFilter)
		}
		filters.Page = page
	}
	if v := q.Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return TimelineFilters{}, fmt.Errorf("%w: page_size must be a positive integer", errBadFilter)
		}
		filters.PageSize = size
	}
	return filters, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error("audit request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
