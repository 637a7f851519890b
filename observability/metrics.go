package observability

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *marketMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// marketMetrics tracks the marketplace state machine: admissions, settlement
// outcomes, and dispute traffic. It is fed from the node's event stream.
type marketMetrics struct {
	admissions  *prometheus.CounterVec
	riskScores  prometheus.Histogram
	settlements *prometheus.CounterVec
	disputes    *prometheus.CounterVec
}

// Market returns the singleton registry for marketplace lifecycle metrics.
func Market() *marketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &marketMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "market",
				Name:      "admissions_total",
				Help:      "Count of admitted listings segmented by currency.",
			}, []string{"currency"}),
			riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "agora",
				Subsystem: "market",
				Name:      "risk_score",
				Help:      "Distribution of fraud risk scores recorded at admission.",
				Buckets:   []float64{10, 25, 50, 75, 100, 150, 250, 500},
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "market",
				Name:      "settlements_total",
				Help:      "Count of escrow settlements segmented by outcome.",
			}, []string{"outcome"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "market",
				Name:      "disputes_total",
				Help:      "Count of dispute transitions segmented by phase.",
			}, []string{"phase"}),
		}
		prometheus.MustRegister(
			marketRegistry.admissions,
			marketRegistry.riskScores,
			marketRegistry.settlements,
			marketRegistry.disputes,
		)
	})
	return marketRegistry
}

// ObserveEvent maps a node event onto the marketplace collectors. Unrecognised
// event types are ignored so the pump can forward the full stream.
func (m *marketMetrics) ObserveEvent(eventType string, attrs map[string]string) {
	if m == nil {
		return
	}
	switch eventType {
	case "listing.created":
		currency := attrs["currency"]
		if currency == "" {
			currency = "UNKNOWN"
		}
		m.admissions.WithLabelValues(currency).Inc()
		if raw, ok := attrs["riskScore"]; ok {
			if score, err := strconv.ParseUint(raw, 10, 64); err == nil {
				m.riskScores.Observe(float64(score))
			}
		}
	case "escrow.released":
		m.settlements.WithLabelValues("released").Inc()
	case "escrow.refunded":
		m.settlements.WithLabelValues("refunded").Inc()
	case "dispute.opened":
		m.disputes.WithLabelValues("opened").Inc()
	case "dispute.evidence":
		m.disputes.WithLabelValues("evidence").Inc()
	case "dispute.ruled":
		m.disputes.WithLabelValues("ruled").Inc()
	}
}
