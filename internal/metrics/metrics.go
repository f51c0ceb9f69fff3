// Package metrics exposes the gateway's Prometheus collectors, served
// over a loopback-only HTTP listener separate from the IPC endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every collector the gateway publishes, bound to its
// own prometheus.Registry rather than the global DefaultRegisterer so
// more than one Registry can coexist in a process (the metrics, router,
// subscription, connection and listener tests each build their own).
type Registry struct {
	reg *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge

	RequestsTotal      *prometheus.CounterVec // labels: method, result
	PolicyDenialsTotal *prometheus.CounterVec // labels: channel, kind
	AdapterLatency     *prometheus.HistogramVec
	AdapterErrorsTotal *prometheus.CounterVec // labels: channel, kind

	AuditRecordsTotal     *prometheus.CounterVec // labels: status
	DeadLettersTotal      prometheus.Counter
	SubscriptionsDropped  prometheus.Counter
	RateLimitRejectsTotal *prometheus.CounterVec // labels: channel
}

// NewRegistry builds a fresh prometheus.Registry and registers the
// gateway's collector set against it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carapace_connections_active",
			Help: "Number of live caller connections on the IPC endpoint.",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carapace_subscriptions_active",
			Help: "Number of live channel.watch subscriptions across all connections.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_requests_total",
			Help: "Requests handled, by method and result.",
		}, []string{"method", "result"}),
		PolicyDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_policy_denials_total",
			Help: "Requests or inbound events rejected by policy, by channel and kind.",
		}, []string{"channel", "kind"}),
		AdapterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carapace_adapter_call_duration_seconds",
			Help:    "Adapter call latency by channel and operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel", "operation"}),
		AdapterErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_adapter_errors_total",
			Help: "Adapter call failures by channel and error kind.",
		}, []string{"channel", "kind"}),
		AuditRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_audit_records_total",
			Help: "Audit journal lines written, by status.",
		}, []string{"status"}),
		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "carapace_dead_letters_total",
			Help: "Dead-letter records written.",
		}),
		SubscriptionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "carapace_subscription_events_dropped_total",
			Help: "Events dropped from a subscription queue on overflow.",
		}),
		RateLimitRejectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carapace_rate_limit_rejections_total",
			Help: "Attempts rejected by the sliding-window rate limiter, by channel.",
		}, []string{"channel"}),
	}
}

// Handler returns the HTTP handler serving /metrics for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
