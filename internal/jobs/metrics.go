// Package jobs runs the background work of the audit service: periodic
// re-verification of every chain and publication of head checkpoints.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBrokenScopes             = "audit_chain_broken_scopes"
	MetricCheckpointsPublished     = "audit_checkpoints_published_total"
)

// Job type constants for labeling.
const (
	JobTypeChainAudit = "chain_audit"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error types reported through IncJobErrors.
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeList        = "list_scopes"
	ErrorTypeVerify      = "verify_error"
	ErrorTypeChainBroken = "chain_broken"
	ErrorTypeCheckpoint  = "checkpoint_publish"
)

// Reporter is the job-level metrics surface used by background jobs.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Metrics contains Prometheus metrics for background job operations.
// All operations are thread-safe.
type Metrics struct {
	jobsTotal            *prometheus.CounterVec
	jobsDuration         *prometheus.HistogramVec
	jobErrors            *prometheus.CounterVec
	brokenScopes         prometheus.Gauge
	checkpointsPublished prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackgroundJobsDuration,
				Help:    "Histogram of background job duration in seconds by job type",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrorsTotal,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		brokenScopes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricBrokenScopes,
				Help: "Number of scopes whose chain failed verification in the last audit cycle",
			},
		),
		checkpointsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricCheckpointsPublished,
				Help: "Total number of chain head checkpoints written to the artifact store",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the jobs total counter.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType is one of the ErrorType constants.
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// SetBrokenScopes records how many scopes failed the last audit cycle.
func (m *Metrics) SetBrokenScopes(n int) {
	m.brokenScopes.Set(float64(n))
}

// IncCheckpointsPublished counts a written checkpoint.
func (m *Metrics) IncCheckpointsPublished() {
	m.checkpointsPublished.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.brokenScopes,
		m.checkpointsPublished,
	}
}
