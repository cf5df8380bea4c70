// Package metrics exposes the daemon's Prometheus collectors on a private
// registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediate"

// Metrics holds the collectors updated by the core and the HTTP layer.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	interceptions prometheus.Counter
	forwards      *prometheus.CounterVec
	flagged       prometheus.Counter
	notifications *prometheus.CounterVec
	pushFailures  prometheus.Counter
	busDrops      *prometheus.CounterVec
	emails        *prometheus.CounterVec
	wsClients     prometheus.Gauge
	requests      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Messages written, by sender role.",
		}, []string{"role"}),
		interceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "interceptions_total",
			Help: "Conversations created in the intercepted state.",
		}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwards_total",
			Help: "Operator forwards, by whether the linked conversation was reused.",
		}, []string{"outcome"}),
		flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_flagged_total",
			Help: "Messages flagged by content screening.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifications persisted, by type.",
		}, []string{"type"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_failures_total",
			Help: "Best-effort pushes that failed after commit.",
		}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_events_total",
			Help: "Events dropped on a full subscriber, by kind.",
		}, []string{"kind"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "emails_total",
			Help: "Outbox email delivery attempts, by result.",
		}, []string{"result"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_clients",
			Help: "Connected websocket sessions.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency, by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages, m.interceptions, m.forwards, m.flagged, m.notifications,
		m.pushFailures, m.busDrops, m.emails, m.wsClients, m.requests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageWritten(role string) {
	if m != nil {
		m.messages.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) Intercepted() {
	if m != nil {
		m.interceptions.Inc()
	}
}

func (m *Metrics) Forwarded(reused bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if reused {
		outcome = "reused"
	}
	m.forwards.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageFlagged() {
	if m != nil {
		m.flagged.Inc()
	}
}

func (m *Metrics) NotificationEmitted(typ string) {
	if m != nil {
		m.notifications.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) PushFailed() {
	if m != nil {
		m.pushFailures.Inc()
	}
}

func (m *Metrics) BusDropped(kind string) {
	if m != nil {
		m.busDrops.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EmailAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.emails.WithLabelValues(result).Inc()
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.wsClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.wsClients.Dec()
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route, code string, seconds float64) {
	if m != nil {
		m.requests.WithLabelValues(route, code).Observe(seconds)
	}
}
