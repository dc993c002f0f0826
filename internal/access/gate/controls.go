package gate

import (
	"html/template"
	"strings"

	"github.com/odyssey-erp/opsdash/internal/access"
)

// Trigger describes a button that submits to Target.
type Trigger struct {
	Label   string
	Target  string
	Method  string
	Tooltip string
}

// Link describes a navigation affordance.
type Link struct {
	Label   string
	Href    string
	Tooltip string
}

type triggerData struct {
	Trigger
	Allowed bool
}

type linkData struct {
	Link
	Allowed bool
}

var (
	triggerTmpl = template.Must(template.New("trigger").Parse(
		`{{if .Allowed}}<button type="submit" formaction="{{.Target}}" formmethod="{{.Method}}">{{.Label}}</button>` +
			`{{else}}<button type="button" disabled aria-disabled="true" title="{{.Tooltip}}">{{.Label}}</button>{{end}}`))
	linkTmpl = template.Must(template.New("link").Parse(
		`{{if .Allowed}}<a href="{{.Href}}">{{.Label}}</a>` +
			`{{else}}<a role="link" aria-disabled="true" class="nav-disabled" title="{{.Tooltip}}">{{.Label}}</a>{{end}}`))
)

// ActionTrigger renders a guarded button. When denied the button is disabled
// and carries no target, so its handler cannot fire.
func (g *Gate) ActionTrigger(p access.Principal, feature string, action access.Action, t Trigger) template.HTML {
	allowed, loaded := g.Allowed(p, feature, action)
	if !loaded {
		return ""
	}
	if t.Method == "" {
		t.Method = "post"
	}
	if !allowed {
		t.Tooltip = tooltip(Options{Tooltip: t.Tooltip}, feature, action)
		t.Target = ""
	}
	return execute(triggerTmpl, triggerData{Trigger: t, Allowed: allowed})
}

// NavLink renders a guarded link. When denied the link stays visible but has
// no href.
func (g *Gate) NavLink(p access.Principal, feature string, action access.Action, l Link) template.HTML {
	allowed, loaded := g.Allowed(p, feature, action)
	if !loaded {
		return ""
	}
	if !allowed {
		l.Tooltip = tooltip(Options{Tooltip: l.Tooltip}, feature, action)
		l.Href = ""
	}
	return execute(linkTmpl, linkData{Link: l, Allowed: allowed})
}

// FuncMap exposes the gate to html/template for one principal. Unknown action
// names are denied. trigger takes an optional form method, post by default.
func (g *Gate) FuncMap(p access.Principal) template.FuncMap {
	parse := func(name string) (access.Action, bool) {
		a, err := access.ParseAction(name)
		return a, err == nil
	}
	return template.FuncMap{
		"can": func(feature, action string) bool {
			a, ok := parse(action)
			if !ok {
				return false
			}
			allowed, loaded := g.Allowed(p, feature, a)
			return loaded && allowed
		},
		"gate": func(feature, action, mode string, content template.HTML) template.HTML {
			a, ok := parse(action)
			if !ok {
				return ""
			}
			return g.Render(p, feature, a, content, Options{Mode: ParseMode(mode)})
		},
		"trigger": func(feature, action, label, target string, method ...string) template.HTML {
			a, ok := parse(action)
			if !ok {
				return ""
			}
			t := Trigger{Label: label, Target: target}
			if len(method) > 0 {
				t.Method = strings.ToLower(method[0])
			}
			return g.ActionTrigger(p, feature, a, t)
		},
		"navlink": func(feature, action, label, href string) template.HTML {
			a, ok := parse(action)
			if !ok {
				return ""
			}
			return g.NavLink(p, feature, a, Link{Label: label, Href: href})
		},
	}
}
