// Package wsmetrics exposes the router's runtime counters through
// Prometheus: connections, messages by type, dispatch latency, errors
// by kind, rate-limit denials, subscriptions, publishes by capability,
// and the client engine's queue depth and drops.
package wsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector a wsserver/wsclient instance reports.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram

	ErrorsTotal      *prometheus.CounterVec
	HandlerPanics    prometheus.Counter
	RateLimited      *prometheus.CounterVec

	SubscriptionsActive prometheus.Gauge
	PublishTotal        *prometheus.CounterVec

	ClientQueueDepth prometheus.Gauge
	ClientQueueDrops *prometheus.CounterVec
}

// New registers a fresh metric set under namespace on reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panics across test cases.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active", Help: "Currently open WebSocket connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total", Help: "Total connections accepted.",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total", Help: "Inbound messages by type.",
		}, []string{"type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total", Help: "Outbound messages by type.",
		}, []string{"type"}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time from decode to handler completion.",
			Buckets: prometheus.DefBuckets,
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Errors emitted by wire-contract kind.",
		}, []string{"kind"}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_panics_total", Help: "Panics recovered from route handlers.",
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total", Help: "Requests denied by the rate limiter, by message type.",
		}, []string{"prefix"}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscriptions_active", Help: "Distinct topics with at least one subscriber.",
		}),
		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_total", Help: "Publishes by driver capability (exact/unknown).",
		}, []string{"capability"}),
		ClientQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "client_queue_depth", Help: "Outbound queue depth of the client engine.",
		}),
		ClientQueueDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_queue_drops_total", Help: "Outbound messages dropped by overflow policy.",
		}, []string{"policy"}),
	}
}
