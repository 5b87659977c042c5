// ABOUTME: Prometheus metrics for sessions, conversations, webhooks and HTTP traffic
// ABOUTME: A nil *Metrics is valid and records nothing, which keeps tests and tools simple

// Package metrics exposes gateway metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	registry prometheus.Gatherer

	sessions         *prometheus.GaugeVec
	activations      *prometheus.CounterVec
	restarts         prometheus.Counter
	alerts           prometheus.Counter
	events           *prometheus.CounterVec
	eventDuration    prometheus.Histogram
	flows            *prometheus.CounterVec
	transportErrors  prometheus.Counter
	tenantMismatches prometheus.Counter
	duplicates       prometheus.Counter
	expired          prometheus.Counter
	webhookRequests  *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	externalCalls    *prometheus.HistogramVec
}

// New registers all collectors with a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all collectors with reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_sessions",
			Help: "Registered bot sessions by status",
		}, []string{"status"}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_session_activations_total",
			Help: "Session activation attempts by result",
		}, []string{"result"}),
		restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_session_restarts_total",
			Help: "Automatic session restarts after a failure",
		}),
		alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_session_alerts_total",
			Help: "Sessions given up on after exhausting their restart budget",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_events_total",
			Help: "Inbound chat events processed by outcome",
		}, []string{"outcome"}),
		eventDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_event_duration_seconds",
			Help:    "Time spent handling one inbound event",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		flows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_flows_total",
			Help: "Conversation flow transitions by flow kind and outcome",
		}, []string{"flow", "outcome"}),
		transportErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_transport_errors_total",
			Help: "Messaging platform transport failures seen by poll loops",
		}),
		tenantMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_tenant_mismatch_total",
			Help: "Events rejected because they were addressed to another tenant",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_duplicate_updates_total",
			Help: "Platform updates dropped as redeliveries",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "tally_conversations_expired_total",
			Help: "Conversation states removed by the expiry sweep",
		}),
		webhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_webhook_requests_total",
			Help: "Webhook deliveries by HTTP status",
		}, []string{"status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		externalCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_external_call_duration_seconds",
			Help:    "Latency of record store and extraction calls made at flow completion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"call", "result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSessions publishes the current session count per status.
func (m *Metrics) SetSessions(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.sessions.Reset()
	for status, n := range byStatus {
		m.sessions.WithLabelValues(status).Set(float64(n))
	}
}

// Activation counts one Activate call; result is "ok" or an error class.
func (m *Metrics) Activation(result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(result).Inc()
}

func (m *Metrics) Restart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

func (m *Metrics) Alert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

// Event records one processed inbound event.
func (m *Metrics) Event(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
	m.eventDuration.Observe(d.Seconds())
}

// Flow records a flow transition such as "started" or "completed".
func (m *Metrics) Flow(kind, outcome string) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

func (m *Metrics) TenantMismatch() {
	if m == nil {
		return
	}
	m.tenantMismatches.Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Expired adds n swept conversation states.
func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) WebhookRequest(status int) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ExternalCall observes one collaborator call made while completing a flow.
func (m *Metrics) ExternalCall(call string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.externalCalls.WithLabelValues(call, result).Observe(d.Seconds())
}

// Middleware records request counts and latency under a fixed route label so
// per-tenant paths do not explode label cardinality.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
