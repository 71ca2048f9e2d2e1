// Package metrics provides Prometheus metrics collection for the scheduler core.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics exposed by a cronicled node.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Storage engine metrics
	TransactionCommitsTotal *prometheus.CounterVec
	TransactionAbortsTotal  *prometheus.CounterVec
	QueueDepth              prometheus.Gauge
	LockWaitDuration        *prometheus.HistogramVec

	// Scheduler/dispatcher metrics
	JobsDispatchedTotal *prometheus.CounterVec
	JobsActive          prometheus.Gauge
	JobsQueued          prometheus.Gauge
	JobDuration         *prometheus.HistogramVec
	SchedulerTickTotal  prometheus.Counter

	// Cluster metrics
	ManagerElections prometheus.Counter
	IsManager        prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		TransactionCommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_transaction_commits_total",
				Help: "Total number of storage transactions committed",
			},
			[]string{"path"},
		),
		TransactionAbortsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_transaction_aborts_total",
				Help: "Total number of storage transactions aborted",
			},
			[]string{"path", "reason"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_queue_depth",
				Help: "Current number of pending operation-queue items",
			},
		),
		LockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_lock_wait_seconds",
				Help:    "Time spent waiting to acquire a storage lock",
				Buckets: []float64{.0001, .001, .01, .1, 1, 5},
			},
			[]string{"namespace"},
		),

		JobsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_dispatched_total",
				Help: "Total number of jobs dispatched, by terminal status",
			},
			[]string{"event_id", "status"},
		),
		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobs_active",
				Help: "Current number of live jobs across the cluster",
			},
		),
		JobsQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobs_queued",
				Help: "Current number of run requests queued awaiting a concurrency slot",
			},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"event_id"},
		),
		SchedulerTickTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scheduler_ticks_total",
				Help: "Total number of minute ticks processed by the scheduler",
			},
		),

		ManagerElections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cluster_manager_elections_total",
				Help: "Total number of times this node claimed the manager role",
			},
		),
		IsManager: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cluster_is_manager",
				Help: "1 if this node currently holds the manager role, else 0",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.TransactionCommitsTotal,
			m.TransactionAbortsTotal,
			m.QueueDepth,
			m.LockWaitDuration,
			m.JobsDispatchedTotal,
			m.JobsActive,
			m.JobsQueued,
			m.JobDuration,
			m.SchedulerTickTotal,
			m.ManagerElections,
			m.IsManager,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordCommit records a successful transaction commit on path.
func (m *Metrics) RecordCommit(path string) {
	m.TransactionCommitsTotal.WithLabelValues(path).Inc()
}

// RecordAbort records a transaction abort on path with a reason.
func (m *Metrics) RecordAbort(path, reason string) {
	m.TransactionAbortsTotal.WithLabelValues(path, reason).Inc()
}

// RecordJobTerminal records a job reaching a terminal status.
func (m *Metrics) RecordJobTerminal(eventID, status string, duration time.Duration) {
	m.JobsDispatchedTotal.WithLabelValues(eventID, status).Inc()
	m.JobDuration.WithLabelValues(eventID).Observe(duration.Seconds())
}

// SetActiveJobs sets the current live-job gauge.
func (m *Metrics) SetActiveJobs(n int) {
	m.JobsActive.Set(float64(n))
}

// SetQueuedJobs sets the current queued-run-request gauge.
func (m *Metrics) SetQueuedJobs(n int) {
	m.JobsQueued.Set(float64(n))
}

// SetManager flips the is-manager gauge and bumps the election counter on promotion.
func (m *Metrics) SetManager(isManager bool) {
	if isManager {
		m.IsManager.Set(1)
		m.ManagerElections.Inc()
		return
	}
	m.IsManager.Set(0)
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight HTTP requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight HTTP requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("cronicled")
	}
	return globalMetrics
}
