// Package gate turns access decisions into UI and route outcomes. Every
// helper here asks the same access.Evaluator, so menus, buttons, links,
// routes and API calls can never disagree.
package gate

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/snapshot"
)

// Source provides the current rules and whether they have loaded.
type Source interface {
	Current() (snapshot.Snapshot, bool)
}

// Mode selects how denied content is presented.
type Mode int

const (
	// ModeHide renders nothing.
	ModeHide Mode = iota
	// ModeDisable renders the content dimmed and inert with a tooltip.
	ModeDisable
	// ModeLockBadge renders the content inert with a lock badge and tooltip.
	ModeLockBadge
	// ModeFallback renders Options.Fallback instead.
	ModeFallback
)

// ParseMode maps template-friendly names onto a Mode. Unknown names hide.
func ParseMode(name string) Mode {
	switch name {
	case "disable":
		return ModeDisable
	case "lock":
		return ModeLockBadge
	case "fallback":
		return ModeFallback
	default:
		return ModeHide
	}
}

// Options configures a gated render.
type Options struct {
	Mode     Mode
	Tooltip  string
	Fallback template.HTML
}

// Outcome is what a gated element ended up as.
type Outcome int

const (
	// OutcomePending means rules have not loaded yet; nothing is rendered.
	OutcomePending Outcome = iota
	OutcomeAllowed
	OutcomeHidden
	OutcomeDisabled
	OutcomeLocked
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAllowed:
		return "allowed"
	case OutcomeHidden:
		return "hidden"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeLocked:
		return "locked"
	case OutcomeFallback:
		return "fallback"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Gate resolves access for UI elements.
type Gate struct {
	eval   *access.Evaluator
	source Source
	memo   *memo
	now    func() time.Time
}

// Option customises a Gate.
type Option func(*Gate)

// WithMemo memoises decisions per rule generation in an LRU of the given
// size. Entries are keyed by generation, so a rule change never serves an
// old answer.
func WithMemo(size int) Option {
	return func(g *Gate) {
		if size > 0 {
			g.memo = newMemo(size)
		}
	}
}

// New builds a Gate.
func New(eval *access.Evaluator, source Source, opts ...Option) *Gate {
	if eval == nil {
		eval = access.NewEvaluator(nil, nil)
	}
	g := &Gate{eval: eval, source: source, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allowed reports the verdict and whether rules were loaded. When loaded is
// false the verdict is meaningless and callers must render nothing.
func (g *Gate) Allowed(p access.Principal, feature string, action access.Action) (allowed, loaded bool) {
	snap, ok := g.source.Current()
	if !ok {
		return false, false
	}
	if g.memo == nil || !p.Valid(g.now()) {
		return g.eval.Evaluate(p, feature, action, snap.Rules), true
	}
	key := memoKey{
		generation: snap.Generation,
		super:      p.Role.IsSuper(),
		role:       p.Role.RuleKey(),
		feature:    feature,
		action:     action,
	}
	if v, hit := g.memo.get(key); hit {
		return v, true
	}
	v := g.eval.Evaluate(p, feature, action, snap.Rules)
	g.memo.add(key, v)
	return v, true
}

// Check returns the full decision with its reason, bypassing the memo.
func (g *Gate) Check(p access.Principal, feature string, action access.Action) (access.Decision, bool) {
	snap, ok := g.source.Current()
	if !ok {
		return access.Decision{}, false
	}
	return g.eval.Check(p, feature, action, snap.Rules), true
}

// Capabilities lists, per dashboard feature, the actions p may perform.
// Features with no permitted action are omitted.
func (g *Gate) Capabilities(p access.Principal) (map[string][]access.Action, bool) {
	if _, ok := g.source.Current(); !ok {
		return nil, false
	}
	out := make(map[string][]access.Action)
	for _, feature := range access.DashboardFeatures() {
		for _, action := range access.KnownActions() {
			if allowed, _ := g.Allowed(p, feature, action); allowed {
				out[feature] = append(out[feature], action)
			}
		}
	}
	return out, true
}

// Resolve picks the outcome for an element without rendering it.
func (g *Gate) Resolve(p access.Principal, feature string, action access.Action, opts Options) Outcome {
	allowed, loaded := g.Allowed(p, feature, action)
	switch {
	case !loaded:
		return OutcomePending
	case allowed:
		return OutcomeAllowed
	}
	switch opts.Mode {
	case ModeDisable:
		return OutcomeDisabled
	case ModeLockBadge:
		return OutcomeLocked
	case ModeFallback:
		return OutcomeFallback
	default:
		return OutcomeHidden
	}
}

// Render produces exactly one presentation of content for the outcome.
func (g *Gate) Render(p access.Principal, feature string, action access.Action, content template.HTML, opts Options) template.HTML {
	switch g.Resolve(p, feature, action, opts) {
	case OutcomeAllowed:
		return content
	case OutcomeDisabled:
		return execute(disabledTmpl, wrapData{Tooltip: tooltip(opts, feature, action), Content: content})
	case OutcomeLocked:
		return execute(lockedTmpl, wrapData{Tooltip: tooltip(opts, feature, action), Content: content})
	case OutcomeFallback:
		return opts.Fallback
	default:
		return ""
	}
}

type wrapData struct {
	Tooltip string
	Content template.HTML
}

var (
	disabledTmpl = template.Must(template.New("disabled").Parse(
		`<div class="gate gate-disabled" aria-disabled="true" inert title="{{.Tooltip}}">{{.Content}}</div>`))
	lockedTmpl = template.Must(template.New("locked").Parse(
		`<div class="gate gate-locked" aria-disabled="true" inert title="{{.Tooltip}}"><span class="gate-lock" role="img" aria-label="Locked">&#128274;</span>{{.Content}}</div>`))
)

func tooltip(opts Options, feature string, action access.Action) string {
	if opts.Tooltip != "" {
		return opts.Tooltip
	}
	return fmt.Sprintf("You do not have %s access to %s", action, feature)
}

func execute(t *template.Template, data any) template.HTML {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return ""
	}
	return template.HTML(buf.String())
}
