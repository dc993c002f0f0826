package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/opsdash/internal/access"
)

func newTestRouter(repo *stubTimelineRepo, authz stubAuthz) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(access.ContextWithPrincipal(req.Context(), auditor)))
		})
	})
	r.Route("/api/audit", NewHandler(nil, NewService(repo, authz)).MountRoutes)
	return r
}

func TestHandleTimeline(t *testing.T) {
	repo := &stubTimelineRepo{rows: sampleRows()}
	router := newTestRouter(repo, stubAuthz{actions: map[access.Action]bool{access.ActionRead: true}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/audit/?entity=permission_rule&from=2026-03-01&page_size=2", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Len(t, result.Rows, 2)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, "permission_rule", repo.lastQuery.Entity)
	assert.Equal(t, 2026, repo.lastQuery.From.Year())
}

func TestHandleTimelineRejectsBadFilters(t *testing.T) {
	router := newTestRouter(&stubTimelineRepo{}, stubAuthz{actions: map[access.Action]bool{access.ActionRead: true}})
	for _, query := range []string{"from=yesterday", "page=0", "page_size=x", "from=2026-03-02&to=2026-03-01"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/audit/?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, query)
	}
}

func TestHandleTimelineForbidden(t *testing.T) {
	router := newTestRouter(&stubTimelineRepo{rows: sampleRows()}, stubAuthz{actions: map[access.Action]bool{access.ActionExport: true}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/audit/", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
