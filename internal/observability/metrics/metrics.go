// Package metrics exposes the Prometheus collectors shared by the daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainflow"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed by the API.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that returned a 5xx status.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of API requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Outbound provider calls by outcome.",
	}, []string{"provider", "operation", "outcome"})

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Latency distribution of outbound provider calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Queued node executions by terminal status.",
	}, []string{"node", "status"})

	triggerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_events_total",
		Help:      "Events delivered by running triggers.",
	}, []string{"node", "operation"})

	activeTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_triggers",
		Help:      "Number of triggers currently subscribed.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		providerCalls, providerLatency,
		executions, triggerEvents, activeTriggers,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveProviderCall records one outbound call. Outcome is "ok" or an error code.
func ObserveProviderCall(provider, operation, outcome string, duration time.Duration) {
	providerCalls.WithLabelValues(provider, operation, outcome).Inc()
	providerLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObserveExecution counts an execution reaching a terminal status.
func ObserveExecution(node, status string) {
	executions.WithLabelValues(node, status).Inc()
}

// ObserveTriggerEvent counts one delivered trigger payload.
func ObserveTriggerEvent(node, operation string) {
	triggerEvents.WithLabelValues(node, operation).Inc()
}

// TriggerStarted and TriggerStopped track the active trigger gauge.
func TriggerStarted() { activeTriggers.Inc() }

func TriggerStopped() { activeTriggers.Dec() }

// Registry exposes the underlying registry for tests and embedding.
func Registry() *prometheus.Registry { return registry }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
