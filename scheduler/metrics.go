package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the import scheduler.
type Metrics struct {
	Registry        *prometheus.Registry
	ImportsTotal    *prometheus.CounterVec
	ItemsTotal      *prometheus.CounterVec
	BatchesTotal    prometheus.Counter
	BatchDuration   prometheus.Histogram
	AdmissionDenied prometheus.Counter
	RetriesQueued   prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	imports := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_imports_total",
			Help: "Total import jobs by outcome.",
		},
		[]string{"outcome"},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_total",
			Help: "Total processed entities by result.",
		},
		[]string{"result"},
	)
	batches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Total batches processed.",
		},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_batch_duration_seconds",
			Help:    "Wall time spent processing one batch.",
			Buckets: prometheus.DefBuckets,
		},
	)
	admissionDenied := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_admission_denied_total",
			Help: "Calls denied by quota or lockout.",
		},
	)
	retriesQueued := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_retries_queued_total",
			Help: "Failed calls handed to the retry queue.",
		},
	)

	registry.MustRegister(imports, items, batches, batchDuration, admissionDenied, retriesQueued)

	return &Metrics{
		Registry:        registry,
		ImportsTotal:    imports,
		ItemsTotal:      items,
		BatchesTotal:    batches,
		BatchDuration:   batchDuration,
		AdmissionDenied: admissionDenied,
		RetriesQueued:   retriesQueued,
	}
}

// ObserveBatchDuration records the wall time of one batch.
func (m *Metrics) ObserveBatchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(seconds)
}

// IncImport increments the import jobs counter for an outcome label.
func (m *Metrics) IncImport(outcome string) {
	if m == nil {
		return
	}
	m.ImportsTotal.WithLabelValues(outcome).Inc()
}

// IncItem increments the processed-entities counter for a result label.
func (m *Metrics) IncItem(result string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(result).Inc()
}

// IncBatch increments the batches counter.
func (m *Metrics) IncBatch() {
	if m == nil {
		return
	}
	m.BatchesTotal.Inc()
}

// IncAdmissionDenied increments the denied-calls counter.
func (m *Metrics) IncAdmissionDenied() {
	if m == nil {
		return
	}
	m.AdmissionDenied.Inc()
}

// IncRetryQueued increments the queued-retries counter.
func (m *Metrics) IncRetryQueued() {
	if m == nil {
		return
	}
	m.RetriesQueued.Inc()
}
