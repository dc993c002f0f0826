package gate

import (
	"bytes"
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/snapshot"
)

type fakeSource struct {
	snap   snapshot.Snapshot
	loaded bool
}

func (f *fakeSource) Current() (snapshot.Snapshot, bool) {
	return f.snap, f.loaded
}

func (f *fakeSource) set(gen uint64, rules ...access.PermissionRule) {
	f.snap = snapshot.Snapshot{Rules: access.NewRuleSet(rules), Generation: gen}
	f.loaded = true
}

func leads(assistant ...access.Action) access.PermissionRule {
	return access.PermissionRule{
		Feature:   access.FeatureLeads,
		Module:    access.ModuleSales,
		Available: access.NewActionSet(access.ActionRead, access.ActionWrite, access.ActionDelete),
		Grants:    map[access.RuleKey]access.ActionSet{"assistant": access.NewActionSet(assistant...)},
	}
}

var assistant = access.Principal{ID: "a-1", Name: "Asha", Role: access.Assistant}

func TestRenderNothingWhileLoading(t *testing.T) {
	g := New(nil, &fakeSource{})
	for _, mode := range []Mode{ModeHide, ModeDisable, ModeLockBadge, ModeFallback} {
		opts := Options{Mode: mode, Fallback: "<span>nope</span>"}
		assert.Equal(t, OutcomePending, g.Resolve(assistant, access.FeatureLeads, access.ActionRead, opts))
		assert.Empty(t, g.Render(assistant, access.FeatureLeads, access.ActionRead, "<b>x</b>", opts))
	}
	assert.Empty(t, g.ActionTrigger(assistant, access.FeatureLeads, access.ActionWrite, Trigger{Label: "Save", Target: "/save"}))
	assert.Empty(t, g.NavLink(assistant, access.FeatureLeads, access.ActionRead, Link{Label: "Leads", Href: "/leads"}))
}

func TestRenderModes(t *testing.T) {
	src := &fakeSource{}
	src.set(1, leads(access.ActionRead))
	g := New(nil, src)
	content := template.HTML(`<button>Edit</button>`)

	assert.Equal(t, content, g.Render(assistant, access.FeatureLeads, access.ActionRead, content, Options{}))
	assert.Empty(t, g.Render(assistant, access.FeatureLeads, access.ActionWrite, content, Options{Mode: ModeHide}))

	disabled := string(g.Render(assistant, access.FeatureLeads, access.ActionWrite, content, Options{Mode: ModeDisable}))
	assert.Contains(t, disabled, `aria-disabled="true"`)
	assert.Contains(t, disabled, "inert")
	assert.Contains(t, disabled, "You do not have Write access to Leads")
	assert.Contains(t, disabled, string(content))

	locked := string(g.Render(assistant, access.FeatureLeads, access.ActionWrite, content, Options{Mode: ModeLockBadge, Tooltip: "Ask a manager"}))
	assert.Contains(t, locked, "gate-lock")
	assert.Contains(t, locked, "Ask a manager")

	fallback := g.Render(assistant, access.FeatureLeads, access.ActionWrite, content, Options{Mode: ModeFallback, Fallback: "<em>read only</em>"})
	assert.Equal(t, template.HTML("<em>read only</em>"), fallback)
}

func TestActionTriggerSuppressesHandlerWhenDenied(t *testing.T) {
	src := &fakeSource{}
	src.set(1, leads(access.ActionRead))
	g := New(nil, src)

	denied := string(g.ActionTrigger(assistant, access.FeatureLeads, access.ActionDelete, Trigger{Label: "Delete", Target: "/leads/1/delete"}))
	assert.Contains(t, denied, "disabled")
	assert.NotContains(t, denied, "formaction")
	assert.NotContains(t, denied, "/leads/1/delete")

	allowed := string(g.ActionTrigger(assistant, access.FeatureLeads, access.ActionRead, Trigger{Label: "Open", Target: "/leads/1"}))
	assert.Contains(t, allowed, `formaction="/leads/1"`)
	assert.NotContains(t, allowed, "disabled")
}

func TestFuncMapTriggerMethod(t *testing.T) {
	src := &fakeSource{}
	src.set(1, leads(access.ActionRead))
	g := New(nil, src)

	tpl := template.Must(template.New("t").Funcs(g.FuncMap(assistant)).Parse(
		`{{trigger "Leads" "Read" "Open" "/leads/1" "GET"}}|{{trigger "Leads" "Read" "Seen" "/leads/1/seen"}}`))
	var buf bytes.Buffer
	require.NoError(t, tpl.Execute(&buf, nil))
	assert.Contains(t, buf.String(), `formaction="/leads/1" formmethod="get"`)
	assert.Contains(t, buf.String(), `formaction="/leads/1/seen" formmethod="post"`)
}

func TestNavLinkStaysVisibleButInert(t *testing.T) {
	src := &fakeSource{}
	src.set(1)
	g := New(nil, src)

	link := string(g.NavLink(assistant, access.FeatureReports, access.ActionRead, Link{Label: "Reports", Href: "/reports"}))
	assert.Contains(t, link, "Reports")
	assert.Contains(t, link, `aria-disabled="true"`)
	assert.NotContains(t, link, "href")
}

func TestMemoFollowsRuleGeneration(t *testing.T) {
	src := &fakeSource{}
	src.set(1, leads(access.ActionRead))
	g := New(nil, src, WithMemo(64))

	allowed, loaded := g.Allowed(assistant, access.FeatureLeads, access.ActionWrite)
	require.True(t, loaded)
	assert.False(t, allowed)

	src.set(2, leads(access.ActionRead, access.ActionWrite))
	allowed, _ = g.Allowed(assistant, access.FeatureLeads, access.ActionWrite)
	assert.True(t, allowed)
}

func TestFuncMapInTemplates(t *testing.T) {
	src := &fakeSource{}
	src.set(1, leads(access.ActionRead))
	g := New(nil, src)

	tpl := template.Must(template.New("menu").Funcs(g.FuncMap(assistant)).Parse(
		`{{if can "Leads" "read"}}R{{end}}{{if can "Leads" "write"}}W{{end}}{{if can "Leads" "launch"}}L{{end}}|{{navlink "Reports" "Read" "Reports" "/reports"}}`))
	var buf bytes.Buffer
	require.NoError(t, tpl.Execute(&buf, nil))
	out := buf.String()
	assert.Contains(t, out, "R|")
	assert.NotContains(t, out, "W")
	assert.Contains(t, out, `aria-disabled="true"`)
}

func TestGuardRequire(t *testing.T) {
	src := &fakeSource{}
	g := New(nil, src)
	guard := Guard{Gate: g}
	h := guard.Require(access.FeatureLeads, access.ActionWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(p *access.Principal) int {
		req := httptest.NewRequest(http.MethodPost, "/api/leads", nil)
		if p != nil {
			req = req.WithContext(access.ContextWithPrincipal(req.Context(), *p))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(nil))
	assert.Equal(t, http.StatusServiceUnavailable, serve(&assistant))

	src.set(1, leads(access.ActionRead))
	assert.Equal(t, http.StatusForbidden, serve(&assistant))

	src.set(2, leads(access.ActionRead, access.ActionWrite))
	assert.Equal(t, http.StatusNoContent, serve(&assistant))

	admin := access.Principal{ID: "root", Role: access.Admin}
	src.set(3)
	assert.Equal(t, http.StatusNoContent, serve(&admin))
}
