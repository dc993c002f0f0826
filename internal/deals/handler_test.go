package deals

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/gate"
)

func newTestRouter(svc *Service, g *gate.Gate, p access.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(access.ContextWithPrincipal(req.Context(), p)))
		})
	})
	r.Route("/api/deals", NewHandler(nil, svc).MountRoutes)
	r.Method(http.MethodGet, "/board", NewBoardHandler(nil, svc, g))
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerStageAndAcknowledgeFlow(t *testing.T) {
	src := pipelineRules()
	svc, _ := newTestService(src, liveDeal())
	g := gate.New(access.NewEvaluator(nil, nil), src)

	rr := serve(newTestRouter(svc, g, repA), http.MethodPatch, "/api/deals/7", `{"venue":"Town Hall"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var d Deal
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Len(t, d.ChangeLog, 1)
	assert.Equal(t, "venue", d.ChangeLog[0].FieldChanges[0].Field)

	rr = serve(newTestRouter(svc, g, viewB), http.MethodGet, "/api/deals/7/unseen", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"deal_id":7,"unseen":true}`, rr.Body.String())

	rr = serve(newTestRouter(svc, g, viewB), http.MethodPost, "/api/deals/7/acknowledge", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(newTestRouter(svc, g, viewB), http.MethodGet, "/api/deals/7/unseen", "")
	assert.JSONEq(t, `{"deal_id":7,"unseen":false}`, rr.Body.String())

	rr = serve(newTestRouter(svc, g, viewB), http.MethodPut, "/api/deals/7/stage", `{"stage":"Completed"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(newTestRouter(svc, g, repA), http.MethodPut, "/api/deals/7/stage", `{"stage":"Completed"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, StageCompleted, d.Stage)

	rr = serve(newTestRouter(svc, g, repA), http.MethodPut, "/api/deals/7/stage", `{"stage":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(newTestRouter(svc, g, repA), http.MethodGet, "/api/deals/404", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBoardRendersGatedControlsAndBadges(t *testing.T) {
	src := pipelineRules()
	d := liveDeal()
	d = AppendChange(d, []FieldChange{{Field: FieldVenue, OldValue: "a", NewValue: "b"}}, "A", t0)
	onHold := Deal{ID: 8, Title: "Winter fair", Stage: "On Hold", ChangeLog: []ChangeEntry{}}
	svc, _ := newTestService(src, d, onHold)
	g := gate.New(access.NewEvaluator(nil, nil), src)

	rr := serve(newTestRouter(svc, g, viewB), http.MethodGet, "/board", "")
	require.Equal(t, http.StatusOK, rr.Code)
	html := rr.Body.String()
	assert.Contains(t, html, "new changes")
	assert.Contains(t, html, `data-stage="On Hold"`)
	assert.Less(t, strings.Index(html, `data-stage="Cancelled"`), strings.Index(html, `data-stage="On Hold"`))
	assert.Contains(t, html, `formaction="/api/deals/7/acknowledge"`)
	assert.NotContains(t, html, `formaction="/api/deals/7"`, "viewer cannot edit")
	assert.Contains(t, html, `aria-disabled="true"`)

	rr = serve(newTestRouter(svc, g, repA), http.MethodGet, "/board", "")
	require.Equal(t, http.StatusOK, rr.Code)
	html = rr.Body.String()
	assert.NotContains(t, html, "new changes")
	assert.Contains(t, html, `formaction="/api/deals/7"`)
}

var boardButton = regexp.MustCompile(`formaction="([^"]+)" formmethod="([^"]+)"`)

func TestBoardControlsTargetServedRoutes(t *testing.T) {
	src := pipelineRules()
	d := AppendChange(liveDeal(), []FieldChange{{Field: FieldVenue, OldValue: "a", NewValue: "b"}}, "B", t0)
	svc, _ := newTestService(src, d)
	g := gate.New(access.NewEvaluator(nil, nil), src)
	router := newTestRouter(svc, g, repA)

	rr := serve(router, http.MethodGet, "/board", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `<form class="deal-actions" method="post">`)

	buttons := boardButton.FindAllStringSubmatch(rr.Body.String(), -1)
	require.Len(t, buttons, 2, "edit and mark-as-seen")
	for _, b := range buttons {
		target, method := b[1], strings.ToUpper(b[2])
		res := serve(router, method, target, "")
		assert.Equal(t, http.StatusOK, res.Code, "%s %s: %s", method, target, res.Body.String())
	}
}
