package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported on /metrics by the HTTP edge of the audit service.
const (
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"

	MetricRateLimitRequests    = "rate_limit_requests_total"
	MetricRateLimitBlocked     = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors = "rate_limit_redis_errors_total"

	MetricIdempotencyRequests = "idempotency_requests_total"
)

// Idempotency outcome label values.
const (
	IdempotencyFirst      = "first"
	IdempotencyReplayed   = "replayed"
	IdempotencyInFlight   = "in_flight"
	IdempotencyReused     = "reused"
	IdempotencyStoreError = "store_error"
)

var (
	requestLabels   = []string{"method", "path", "status"}
	rateLimitLabels = []string{"endpoint", "key_type"}

	// Appends answer in milliseconds; verification and export of long
	// chains run for seconds.
	durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
	// Bundle uploads and exports reach tens of megabytes.
	sizeBuckets = prometheus.ExponentialBuckets(100, 10, 8)
)

// Metrics holds the collectors shared by HTTPMetrics, RateLimiter, the
// Redis rate limit store and Idempotency. It is safe for concurrent use.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec

	rateLimitChecks      *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter

	idempotency *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	histogram := func(name, help string, buckets []float64) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, requestLabels)
	}
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "Audit API requests by method, route template and status",
		}, requestLabels),
		duration:     histogram(MetricHTTPRequestDuration, "Audit API request latency in seconds", durationBuckets),
		requestSize:  histogram(MetricHTTPRequestSizeBytes, "Audit API request body size in bytes", sizeBuckets),
		responseSize: histogram(MetricHTTPResponseSizeBytes, "Audit API response body size in bytes", sizeBuckets),

		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Compliance requests checked against the rate limit",
		}, rateLimitLabels),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Compliance requests rejected with 429",
		}, rateLimitLabels),
		rateLimitRedisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Redis failures that let a compliance request through unchecked",
		}),

		idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIdempotencyRequests,
			Help: "Append requests carrying an Idempotency-Key, by outcome",
		}, []string{"outcome"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests, m.duration, m.requestSize, m.responseSize,
		m.rateLimitChecks, m.rateLimitBlocked, m.rateLimitRedisErrors,
		m.idempotency,
	}
}

// ObserveHTTPRequest records one request. path must be a route template
// such as /audit/scopes/{scope}/verify, never a raw path.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration float64, requestSize, responseSize int64) {
	labels := prometheus.Labels{"method": method, "path": path, "status": status}
	m.requests.With(labels).Inc()
	m.duration.With(labels).Observe(duration)
	m.requestSize.With(labels).Observe(float64(requestSize))
	m.responseSize.With(labels).Observe(float64(responseSize))
}

// IncRateLimitRequests counts a rate limit check. keyType is "actor" or "ip".
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	m.rateLimitChecks.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitBlocked counts a request rejected with 429.
func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	m.rateLimitBlocked.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitRedisErrors counts fail-open events of the Redis store.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.rateLimitRedisErrors.Inc()
}

// IncIdempotency counts a keyed append by outcome. A nil *Metrics records
// nothing.
func (m *Metrics) IncIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}
