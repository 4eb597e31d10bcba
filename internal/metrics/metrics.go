// Package metrics holds the Prometheus collectors exported by the agent.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sieve"

// Metrics groups the agent's collectors under one registry.
type Metrics struct {
	registry *prometheus.Registry

	GraphNodes        prometheus.Gauge
	GraphBuildSeconds prometheus.Histogram
	BatchFailures     *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	Messages          *prometheus.CounterVec
	Handshakes        *prometheus.CounterVec
	ActiveHandshakes  prometheus.Gauge
	Feedback          *prometheus.CounterVec
	RelayPublishes    *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GraphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wot",
			Name:      "graph_nodes",
			Help:      "Nodes in the most recently built trust graph.",
		}),
		GraphBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wot",
			Name:      "graph_build_seconds",
			Help:      "Time spent crawling the follow graph.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
		}),
		BatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_batch_failures_total",
			Help:      "Relay queries that failed or timed out, by component.",
		}, []string{"component"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wot",
			Name:      "cache_lookups_total",
			Help:      "Graph cache lookups by result.",
		}, []string{"result"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "d2a",
			Name:      "messages_total",
			Help:      "D2A messages by direction and type.",
		}, []string{"direction", "type"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "d2a",
			Name:      "handshakes_total",
			Help:      "Handshakes reaching a terminal phase.",
		}, []string{"phase"}),
		ActiveHandshakes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "d2a",
			Name:      "active_handshakes",
			Help:      "Handshakes currently tracked.",
		}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reputation",
			Name:      "feedback_total",
			Help:      "Reputation feedback recorded, by kind.",
		}, []string{"kind"}),
		RelayPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "Relay publish attempts by result.",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "rate_limited_total",
			Help:      "Inbound events dropped by the per-peer limiter.",
		}),
	}
	m.registry.MustRegister(
		m.GraphNodes, m.GraphBuildSeconds, m.BatchFailures, m.CacheLookups,
		m.Messages, m.Handshakes, m.ActiveHandshakes, m.Feedback,
		m.RelayPublishes, m.RateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveGraphBuild(nodes int, took time.Duration) {
	if m == nil {
		return
	}
	m.GraphNodes.Set(float64(nodes))
	m.GraphBuildSeconds.Observe(took.Seconds())
}

func (m *Metrics) RelayBatchFailed(component string) {
	if m == nil {
		return
	}
	m.BatchFailures.WithLabelValues(component).Inc()
}

// CacheLookup records a graph cache lookup: hit, miss, expired or corrupt.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) HandshakeFinished(phase string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(phase).Inc()
}

func (m *Metrics) SetActiveHandshakes(n int) {
	if m == nil {
		return
	}
	m.ActiveHandshakes.Set(float64(n))
}

func (m *Metrics) FeedbackRecorded(kind string) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(kind).Inc()
}

func (m *Metrics) Publish(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RelayPublishes.WithLabelValues(result).Inc()
}

func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
