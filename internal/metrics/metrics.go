// Package metrics provides Prometheus metrics for the archive service.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// and tested without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "build_archive"

// Fetch outcomes.
const (
	FetchSuccess = "success"
	FetchMiss    = "miss"
	FetchFailure = "failure"
	FetchReused  = "reused"
)

// Generation results.
const (
	GenerationCompleted = "completed"
	GenerationFailed    = "failed"
	GenerationSkipped   = "skipped"
)

// Delete results.
const (
	DeleteRemoved  = "removed"
	DeleteMismatch = "mismatch"
	DeleteAbsent   = "absent"
)

// Metrics holds all Prometheus metrics of the archive service.
type Metrics struct {
	// Fetch metrics
	Fetches *prometheus.CounterVec

	// Generation metrics
	Generations         *prometheus.CounterVec
	GenerationDuration  prometheus.Histogram
	InFlightGenerations prometheus.Gauge
	ArchiveBytes        prometheus.Histogram

	// Maintenance metrics
	Deletes       *prometheus.CounterVec
	SweptArchives prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Manifest entries processed by the fetcher, by outcome.",
		}, []string{"outcome"}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations, by result.",
		}, []string{"result"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a generation pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		InFlightGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_in_flight",
			Help:      "Generations currently running.",
		}),
		ArchiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of published archives.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10),
		}),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Archive delete requests, by result.",
		}, []string{"result"}),
		SweptArchives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_archives_total",
			Help:      "Archives removed by the retention sweep.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Fetches,
			m.Generations,
			m.GenerationDuration,
			m.InFlightGenerations,
			m.ArchiveBytes,
			m.Deletes,
			m.SweptArchives,
		)
	}

	return m
}

// Handler returns an HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveFetch counts one fetcher outcome.
func (m *Metrics) ObserveFetch(outcome string) {
	if m == nil {
		return
	}

	m.Fetches.WithLabelValues(outcome).Inc()
}

// GenerationStarted marks a generation as running.
func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}

	m.InFlightGenerations.Inc()
}

// GenerationFinished records the result and duration of a generation.
func (m *Metrics) GenerationFinished(result string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.InFlightGenerations.Dec()
	m.Generations.WithLabelValues(result).Inc()
	m.GenerationDuration.Observe(elapsed.Seconds())
}

// ObserveArchive records the size of a published archive.
func (m *Metrics) ObserveArchive(size int64) {
	if m == nil {
		return
	}

	m.ArchiveBytes.Observe(float64(size))
}

// ObserveDelete counts one delete request.
func (m *Metrics) ObserveDelete(result string) {
	if m == nil {
		return
	}

	m.Deletes.WithLabelValues(result).Inc()
}

// ObserveSwept counts one archive removed by the retention sweep.
func (m *Metrics) ObserveSwept() {
	if m == nil {
		return
	}

	m.SweptArchives.Inc()
}
