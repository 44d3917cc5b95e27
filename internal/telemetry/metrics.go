package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks Control-Plane RPC latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "autoqa",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ExecutionsSubmittedTotal counts every Submit call by priority lane.
var ExecutionsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autoqa",
		Subsystem: "executions",
		Name:      "submitted_total",
		Help:      "Total number of test executions submitted, by priority.",
	},
	[]string{"priority"},
)

// ExecutionsFinishedTotal counts terminal executions by final status.
var ExecutionsFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autoqa",
		Subsystem: "executions",
		Name:      "finished_total",
		Help:      "Total number of executions reaching a terminal status.",
	},
	[]string{"status"},
)

// ContainersActive tracks live, not-yet-cleaned-up containers.
var ContainersActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autoqa",
		Subsystem: "containers",
		Name:      "active",
		Help:      "Number of provisioned containers not yet cleaned up.",
	},
)

// HealingAttemptsTotal counts self-healing attempts by strategy and outcome.
var HealingAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autoqa",
		Subsystem: "healing",
		Name:      "attempts_total",
		Help:      "Total number of self-healing strategy attempts.",
	},
	[]string{"strategy", "success"},
)

// ProviderCircuitOpenTotal counts circuit-breaker trips per provider.
var ProviderCircuitOpenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autoqa",
		Subsystem: "provider",
		Name:      "circuit_open_total",
		Help:      "Total number of times a provider's circuit breaker tripped open.",
	},
	[]string{"provider"},
)

// FlowControlQueueDepth reports the current FlowController queue depth per lane.
var FlowControlQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "autoqa",
		Subsystem: "flowcontrol",
		Name:      "queue_depth",
		Help:      "Current FlowController queue depth by priority lane.",
	},
	[]string{"priority"},
)

// All returns every control-plane-specific collector for registration.
// No package in this repository updates these collectors, so they are
// exported at their zero values.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ExecutionsSubmittedTotal,
		ExecutionsFinishedTotal,
		ContainersActive,
		HealingAttemptsTotal,
		ProviderCircuitOpenTotal,
		FlowControlQueueDepth,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
