package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricAppendsTotal        = "audit_appends_total"
	MetricAppendDuration      = "audit_append_duration_seconds"
	MetricAppendConflicts     = "audit_append_conflicts_total"
	MetricVerificationsTotal  = "audit_verifications_total"
	MetricVerifiedEntries     = "audit_verified_entries_total"
	MetricExportsTotal        = "audit_exports_total"
	MetricFallbackEventsTotal = "audit_fallback_events_total"
	MetricDroppedEventsTotal  = "audit_dropped_events_total"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultBroken  = "broken"
	ResultRefused = "refused"
)

// Metrics holds Prometheus collectors for the audit chain.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	appends         *prometheus.CounterVec
	appendDuration  prometheus.Histogram
	appendConflicts prometheus.Counter
	verifications   *prometheus.CounterVec
	verifiedEntries prometheus.Counter
	exports         *prometheus.CounterVec
	fallbackEvents  prometheus.Counter
	droppedEvents   prometheus.Counter
}

// NewMetrics creates the collectors. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendsTotal,
				Help: "Total number of chained audit appends by result",
			},
			[]string{"result"},
		),
		appendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricAppendDuration,
				Help:    "Histogram of audit append latency in seconds, retries included",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		appendConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricAppendConflicts,
				Help: "Total number of sequence conflicts that triggered an append retry",
			},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationsTotal,
				Help: "Total number of chain verifications by result",
			},
			[]string{"result"},
		),
		verifiedEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricVerifiedEntries,
				Help: "Total number of entries recomputed by the verifier",
			},
		),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricExportsTotal,
				Help: "Total number of audit exports by format and result",
			},
			[]string{"format", "result"},
		),
		fallbackEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricFallbackEventsTotal,
				Help: "Total number of scope-less events written to the flat log",
			},
		),
		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricDroppedEventsTotal,
				Help: "Total number of best-effort audit events that could not be recorded",
			},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appends,
		m.appendDuration,
		m.appendConflicts,
		m.verifications,
		m.verifiedEntries,
		m.exports,
		m.fallbackEvents,
		m.droppedEvents,
	}
}

func (m *Metrics) observeAppend(result string, seconds float64) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(result).Inc()
	m.appendDuration.Observe(seconds)
}

func (m *Metrics) incConflict() {
	if m == nil {
		return
	}
	m.appendConflicts.Inc()
}

func (m *Metrics) observeVerification(result string, checked int64) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifiedEntries.Add(float64(checked))
}

func (m *Metrics) incExport(format Format, result string) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(string(format), result).Inc()
}

func (m *Metrics) incFallback() {
	if m == nil {
		return
	}
	m.fallbackEvents.Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
