// Package metrics owns the Prometheus collectors of the service. Collectors
// live on a private registry so tests can build as many as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "chatwire"

// Metrics groups every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive       prometheus.Gauge
	ConnectionsTotal        prometheus.Counter
	SlowConsumerDisconnects prometheus.Counter
	InboundEvents           *prometheus.CounterVec
	RateLimited             prometheus.Counter
	BroadcastRecipients     prometheus.Histogram
	MessagesSent            prometheus.Counter
	StatusTransitions       *prometheus.CounterVec
	PresenceTransitions     *prometheus.CounterVec
	PresencePersistFailures prometheus.Counter
	RoomsActive             prometheus.Gauge
	StorageBreakerState     prometheus.Gauge
}

// New builds and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Authenticated websocket connections currently registered.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Authenticated websocket connections since start.",
		}),
		SlowConsumerDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slow_consumer_disconnects_total",
			Help: "Connections closed because their outbound queue overflowed.",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_events_total",
			Help: "Client events processed, by type and outcome kind.",
		}, []string{"type", "outcome"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_events_total",
			Help: "Client events rejected by the per-connection limiter.",
		}),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "broadcast_recipients",
			Help:    "Connections reached per room broadcast.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages persisted and broadcast.",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_status_transitions_total",
			Help: "Forward status transitions applied, by target status.",
		}, []string{"status"}),
		PresenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_transitions_total",
			Help: "Presence transitions, by new state.",
		}, []string{"state"}),
		PresencePersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_persist_failures_total",
			Help: "Presence writes that failed after retries.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms_active",
			Help: "Conversation rooms with at least one member.",
		}),
		StorageBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "storage_breaker_state",
			Help: "Storage circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.SlowConsumerDisconnects,
		m.InboundEvents,
		m.RateLimited,
		m.BroadcastRecipients,
		m.MessagesSent,
		m.StatusTransitions,
		m.PresenceTransitions,
		m.PresencePersistFailures,
		m.RoomsActive,
		m.StorageBreakerState,
	)
	return m
}

// SetBreakerState records a storage breaker transition.
func (m *Metrics) SetBreakerState(state gobreaker.State) {
	m.StorageBreakerState.Set(float64(state))
}

// Registry exposes the private registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
