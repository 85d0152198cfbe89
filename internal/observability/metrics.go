// Package observability holds the Prometheus collectors and OpenTelemetry
// setup shared by the service components.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geoprep"

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	eventsDeduped    *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	retryAttempts    *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	jobsSubmitted    *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobsInFlight     prometheus.Gauge
	auditRecords     *prometheus.CounterVec
	auditTampered    prometheus.Counter
	versionConflicts prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "eventbus", Name: "published_total", Help: "Events dispatched to handlers by topic."},
			[]string{"topic"},
		),
		eventsDeduped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "eventbus", Name: "deduplicated_total", Help: "Events suppressed by an existing idempotency marker."},
			[]string{"topic"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "eventbus", Name: "handler_failures_total", Help: "Handler errors and panics by topic."},
			[]string{"topic"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "circuit_breaker", Name: "state", Help: "0=closed, 1=half_open, 2=open."},
			[]string{"name"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "retry", Name: "attempts_total", Help: "Retries performed by policy."},
			[]string{"policy"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "ratelimit", Name: "rejected_total", Help: "Admissions rejected by limiter."},
			[]string{"limiter"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "cache", Name: "lookups_total", Help: "Cache lookups by result."},
			[]string{"result"},
		),
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "jobs", Name: "submitted_total", Help: "Job submissions by kind and whether they were deduplicated."},
			[]string{"kind", "deduplicated"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "jobs", Name: "finished_total", Help: "Jobs reaching a terminal state."},
			[]string{"kind", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds", Help: "Job execution time.", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)},
			[]string{"kind"},
		),
		jobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: "jobs", Name: "in_flight", Help: "Jobs currently executing."},
		),
		auditRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "audit", Name: "records_total", Help: "Audit records appended by event type."},
			[]string{"event_type"},
		),
		auditTampered: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "audit", Name: "tamper_detected_total", Help: "Audit records failing signature verification."},
		),
		versionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "projects", Name: "version_conflicts_total", Help: "Optimistic lock conflicts."},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: "http", Name: "requests_total", Help: "HTTP requests by route and status."},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds", Help: "HTTP request latency.", Buckets: prometheus.DefBuckets},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.eventsPublished, m.eventsDeduped, m.handlerFailures,
		m.breakerState, m.retryAttempts, m.rateLimited, m.cacheLookups,
		m.jobsSubmitted, m.jobsFinished, m.jobDuration, m.jobsInFlight,
		m.auditRecords, m.auditTampered, m.versionConflicts,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventPublished(topic string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(topic).Inc()
}

func (m *Metrics) EventDeduplicated(topic string) {
	if m == nil {
		return
	}
	m.eventsDeduped.WithLabelValues(topic).Inc()
}

func (m *Metrics) HandlerFailed(topic string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(topic).Inc()
}

// BreakerState records a breaker state as 0 (closed), 1 (half_open) or 2 (open)
func (m *Metrics) BreakerState(name string, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) RetryAttempt(policy string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(policy).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) JobSubmitted(kind string, deduplicated bool) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(kind, strconv.FormatBool(deduplicated)).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

func (m *Metrics) JobFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.jobsFinished.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) AuditRecorded(eventType string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AuditTamperDetected() {
	if m == nil {
		return
	}
	m.auditTampered.Inc()
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
