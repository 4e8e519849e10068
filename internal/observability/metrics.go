package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not
// match any registered route, ensuring bounded cardinality.
const unmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the runtime.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	jobRunsTotal       *prometheus.CounterVec
	jobTicksSkipped    *prometheus.CounterVec
	jobTriggersPending *prometheus.CounterVec
	channelConnections *prometheus.GaugeVec
	channelBroadcasts  *prometheus.CounterVec
	streamEventsTotal  *prometheus.CounterVec
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "treeline"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Total number of job runs by outcome",
		},
		[]string{"job", "outcome"},
	)

	m.jobTicksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_ticks_skipped_total",
			Help:      "Interval ticks dropped because the job was already running",
		},
		[]string{"job"},
	)

	m.jobTriggersPending = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_triggers_coalesced_total",
			Help:      "Triggers coalesced into a pending retrigger",
		},
		[]string{"job"},
	)

	m.channelConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connections",
			Help:      "Current number of members per topic",
		},
		[]string{"topic"},
	)

	m.channelBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_broadcasts_total",
			Help:      "Total number of broadcast fan-outs per topic",
		},
		[]string{"topic"},
	)

	m.streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Total number of events delivered on event streams",
		},
		[]string{"route"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.jobRunsTotal,
		m.jobTicksSkipped,
		m.jobTriggersPending,
		m.channelConnections,
		m.channelBroadcasts,
		m.streamEventsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest records a completed HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	if route == "" {
		route = unmatchedRoute
	}
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route, status).Observe(seconds)
}

// ObserveJobRun records a job run outcome ("success", "failure", or "skipped").
func (m *Metrics) ObserveJobRun(job, outcome string) {
	m.jobRunsTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveJobTickSkipped records an interval tick dropped while running.
func (m *Metrics) ObserveJobTickSkipped(job string) {
	m.jobTicksSkipped.WithLabelValues(job).Inc()
}

// ObserveTriggerCoalesced records a trigger coalesced into a pending run.
func (m *Metrics) ObserveTriggerCoalesced(job string) {
	m.jobTriggersPending.WithLabelValues(job).Inc()
}

// MemberJoined increments the connection gauge for a topic.
func (m *Metrics) MemberJoined(topic string) {
	m.channelConnections.WithLabelValues(topic).Inc()
}

// MemberLeft decrements the connection gauge for a topic.
func (m *Metrics) MemberLeft(topic string) {
	m.channelConnections.WithLabelValues(topic).Dec()
}

// ObserveBroadcast records a broadcast fan-out on a topic.
func (m *Metrics) ObserveBroadcast(topic string) {
	m.channelBroadcasts.WithLabelValues(topic).Inc()
}

// ObserveStreamEvent records a delivered event-stream item.
func (m *Metrics) ObserveStreamEvent(route string) {
	m.streamEventsTotal.WithLabelValues(route).Inc()
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
