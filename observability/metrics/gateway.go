package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics bundles collectors tracking the REST gateway's health: node
// proxy latency, webhook delivery outcomes, and idempotency cache behaviour.
type GatewayMetrics struct {
	nodeLatency      *prometheus.HistogramVec
	webhookDelivered *prometheus.CounterVec
	webhookFailures  *prometheus.CounterVec
	idempotencyHits  prometheus.Counter
	watcherLag       prometheus.Gauge
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

// Gateway returns the singleton gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			nodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "gateway_node_request_seconds",
				Help:    "Latency distribution for JSON-RPC calls proxied to the node.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method"}),
			webhookDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_delivered_total",
				Help: "Count of successful webhook deliveries by event type.",
			}, []string{"event"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination host.",
			}, []string{"destination"}),
			idempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gateway_idempotency_hits_total",
				Help: "Count of requests answered from the idempotency cache.",
			}),
			watcherLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_watcher_lag_events",
				Help: "Number of node events the mirror watcher has yet to process.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.nodeLatency,
			gatewayRegistry.webhookDelivered,
			gatewayRegistry.webhookFailures,
			gatewayRegistry.idempotencyHits,
			gatewayRegistry.watcherLag,
		)
	})
	return gatewayRegistry
}

// ObserveNodeCall records the latency of one proxied JSON-RPC call.
func (m *GatewayMetrics) ObserveNodeCall(method string, seconds float64) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "unknown"
	}
	m.nodeLatency.WithLabelValues(method).Observe(seconds)
}

// RecordWebhookDelivered increments the delivery counter for an event type.
func (m *GatewayMetrics) RecordWebhookDelivered(event string) {
	if m == nil {
		return
	}
	if event = strings.TrimSpace(event); event == "" {
		event = "unknown"
	}
	m.webhookDelivered.WithLabelValues(event).Inc()
}

// RecordWebhookFailure increments the failure counter for a destination host.
func (m *GatewayMetrics) RecordWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if destination = strings.TrimSpace(destination); destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

// RecordIdempotencyHit counts a request served from the idempotency cache.
func (m *GatewayMetrics) RecordIdempotencyHit() {
	if m == nil {
		return
	}
	m.idempotencyHits.Inc()
}

// SetWatcherLag updates the mirror watcher backlog gauge.
func (m *GatewayMetrics) SetWatcherLag(pending uint64) {
	if m == nil {
		return
	}
	m.watcherLag.Set(float64(pending))
}
