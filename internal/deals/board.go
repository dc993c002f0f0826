package deals

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/gate"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

const boardTemplate = `<link rel="stylesheet" href="/static/css/board.css">
<nav class="menu">{{range .Nav}}{{navlink .Feature "Read" .Feature .Href}}{{end}}</nav>
<section class="board">{{range .Columns}}
<div class="column" data-stage="{{.Stage}}"><h2>{{.Stage}} <span class="count">{{len .Cards}}</span></h2>{{range .Cards}}
<article class="deal" data-id="{{.ID}}"><h3>{{.Title}}</h3>{{if .Unseen}}<span class="badge unseen" title="Changes you have not reviewed">new changes</span>{{end}}
<p>{{.Client}}{{if .Venue}} at {{.Venue}}{{end}}</p>
<form class="deal-actions" method="post">{{trigger "Pipeline" "Write" "Edit" .EditURL "get"}}{{if .Unseen}}{{trigger "Pipeline" "Read" "Mark as seen" .AckURL}}{{end}}</form>
</article>{{end}}
</div>{{end}}
</section>`

type navItem struct {
	Feature string
	Href    string
}

type card struct {
	ID      int64
	Title   string
	Client  string
	Venue   string
	Unseen  bool
	EditURL string
	AckURL  string
}

type column struct {
	Stage Stage
	Cards []card
}

type boardData struct {
	Nav     []navItem
	Columns []column
}

// BoardHandler renders the pipeline board as HTML. Controls are rendered
// through the gate and deals carry an unseen-changes badge per viewer.
type BoardHandler struct {
	logger  *slog.Logger
	service RecordService
	gate    *gate.Gate
	base    *template.Template
}

// NewBoardHandler builds BoardHandler instance.
func NewBoardHandler(logger *slog.Logger, service RecordService, g *gate.Gate) *BoardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	base := template.Must(template.New("board").Funcs(g.FuncMap(access.Principal{})).Parse(boardTemplate))
	return &BoardHandler{logger: logger, service: service, gate: g, base: base}
}

// ServeHTTP implements http.Handler.
func (h *BoardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	deals, err := h.service.List(r.Context(), p, ListFilter{})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tpl, err := h.base.Clone()
	if err != nil {
		h.logger.Error("clone board template", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	tpl.Funcs(h.gate.FuncMap(p))
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, buildBoard(deals, p)); err != nil {
		h.logger.Error("render board", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func buildBoard(deals []Deal, p access.Principal) boardData {
	observed := make([]Stage, 0, len(deals))
	byStage := make(map[Stage][]card)
	for _, d := range deals {
		observed = append(observed, d.Stage)
		byStage[d.Stage] = append(byStage[d.Stage], card{
			ID:      d.ID,
			Title:   d.Title,
			Client:  d.Client,
			Venue:   d.Venue,
			Unseen:  HasUnseenChanges(d, p.ID),
			EditURL: fmt.Sprintf("/api/deals/%d", d.ID),
			AckURL:  fmt.Sprintf("/api/deals/%d/acknowledge", d.ID),
		})
	}
	data := boardData{}
	for _, f := range access.DashboardFeatures() {
		data.Nav = append(data.Nav, navItem{Feature: f, Href: "/" + strings.ToLower(f)})
	}
	for _, s := range OrderStages(observed) {
		data.Columns = append(data.Columns, column{Stage: s, Cards: byStage[s]})
	}
	return data
}
