package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/opsdash/internal/access"
)

// Metrics collects the Prometheus metrics of the dashboard.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	ruleMutations   *prometheus.CounterVec
	stageMoves      *prometheus.CounterVec
}

// NewMetrics initialises the registry and its collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsdash_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_access_decisions_total",
		Help: "Access decisions by feature, action and reason.",
	}, []string{"feature", "action", "allowed", "reason"})
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_rule_mutations_total",
		Help: "Permission rule writes by operation and outcome.",
	}, []string{"op", "status"})
	moves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdash_stage_moves_total",
		Help: "Optimistic stage moves by outcome.",
	}, []string{"status"})
	registry.MustRegister(requests, duration, decisions, mutations, moves)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		ruleMutations:   mutations,
		stageMoves:      moves,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for other collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveDecision counts an access decision.
func (m *Metrics) ObserveDecision(feature string, action access.Action, d access.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(feature, string(action), strconv.FormatBool(d.Allowed), string(d.Reason)).Inc()
}

// ObserveRuleMutation counts a permission rule write.
func (m *Metrics) ObserveRuleMutation(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ruleMutations.WithLabelValues(op, status).Inc()
}

// ObserveStageMove counts a stage move outcome.
func (m *Metrics) ObserveStageMove(status string) {
	if m == nil {
		return
	}
	m.stageMoves.WithLabelValues(status).Inc()
}

// WatchRules exposes the rule snapshot generation as a gauge. It reads -1
// until the first load.
func (m *Metrics) WatchRules(generation func() (uint64, bool)) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "opsdash_rules_generation",
		Help: "Generation of the active permission rule snapshot.",
	}, func() float64 {
		gen, ok := generation()
		if !ok {
			return -1
		}
		return float64(gen)
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
