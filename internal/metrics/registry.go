// Package metrics provides Prometheus metrics for nexusbus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Request metrics
	RequestsTotal  *prometheus.CounterVec
	RequestErrors  *prometheus.CounterVec
	RequestLatency prometheus.Histogram

	// Connection metrics
	ActiveGateways   prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	ConnectionErrors prometheus.Counter
	ConnectionResets prometheus.Counter

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheSets      prometheus.Counter
	CacheEvictions prometheus.Counter

	// Polling metrics
	PollCyclesTotal   *prometheus.CounterVec
	PollTargetsTotal  *prometheus.CounterVec
	PollCycleDuration prometheus.Histogram

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	return &Registry{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "modbus",
			Name:      "requests_total",
			Help:      "Total number of Modbus register operations",
		}, []string{"kind", "status"}),
		RequestErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "modbus",
			Name:      "request_errors_total",
			Help:      "Total number of failed Modbus register operations",
		}, []string{"kind"}),
		RequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexusbus",
			Subsystem: "modbus",
			Name:      "request_latency_seconds",
			Help:      "Modbus register operation latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		ActiveGateways: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexusbus",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of open gateway connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total number of gateway connection attempts",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "gateway",
			Name:      "connection_errors_total",
			Help:      "Total number of gateway connection errors",
		}),
		ConnectionResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "gateway",
			Name:      "connection_resets_total",
			Help:      "Total number of explicit gateway connection resets",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of register cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of register cache misses",
		}),
		CacheSets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "cache",
			Name:      "sets_total",
			Help:      "Total number of register cache stores",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of expired register cache entries removed",
		}),

		PollCyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Total number of completed poll cycles",
		}, []string{"status"}),
		PollTargetsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "polling",
			Name:      "targets_total",
			Help:      "Total number of per-target poll attempts",
		}, []string{"status"}),
		PollCycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexusbus",
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		MQTTMessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusbus",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
	}
}

// RecordRequest records a register operation.
func (r *Registry) RecordRequest(kind string, success bool, latencySeconds float64) {
	status := "success"
	if !success {
		status = "error"
		r.RequestErrors.WithLabelValues(kind).Inc()
	}
	r.RequestsTotal.WithLabelValues(kind, status).Inc()
	r.RequestLatency.Observe(latencySeconds)
}

// RecordConnection records a gateway connection attempt.
func (r *Registry) RecordConnection(success bool) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
}

// RecordPollCycle records a completed poll cycle.
func (r *Registry) RecordPollCycle(successCount, failureCount int, durationSeconds float64) {
	status := "success"
	if failureCount > 0 {
		status = "error"
	}
	r.PollCyclesTotal.WithLabelValues(status).Inc()
	r.PollTargetsTotal.WithLabelValues("success").Add(float64(successCount))
	r.PollTargetsTotal.WithLabelValues("error").Add(float64(failureCount))
	r.PollCycleDuration.Observe(durationSeconds)
}

// RecordMQTTPublish records an MQTT publish outcome.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}
