// Package metrics defines the Prometheus collectors of the ledger worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	BatchesTotal       *prometheus.CounterVec
	RecordsDropped     prometheus.Counter
	ShipmentsCreated   prometheus.Counter
	ShipmentsUpdated   prometheus.Counter
	ShipmentsChanged   prometheus.Counter
	JobsTotal          *prometheus.CounterVec
	ProjectionRefresh  *prometheus.HistogramVec
	ResolveCacheHits   prometheus.Counter
	ResolveCacheMisses prometheus.Counter
	DispatchedTotal    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg means the
// default Prometheus registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_batches_total",
				Help: "Reconciliation batches by outcome (ok, empty, error).",
			},
			[]string{"outcome"},
		),
		RecordsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_records_dropped_total",
				Help: "Batch records dropped as invalid.",
			},
		),
		ShipmentsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_shipments_created_total",
				Help: "Shipments created by reconciliation.",
			},
		),
		ShipmentsUpdated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_shipments_updated_total",
				Help: "Existing shipments that received new trail entries.",
			},
		),
		ShipmentsChanged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_shipments_changed_total",
				Help: "Shipments whose derived state changed.",
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_upload_jobs_total",
				Help: "Upload jobs processed by final state.",
			},
			[]string{"state"},
		),
		ProjectionRefresh: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_projection_refresh_seconds",
				Help:    "Projection refresh latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		ResolveCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_resolve_cache_hits_total",
				Help: "Resolver cache hits.",
			},
		),
		ResolveCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_resolve_cache_misses_total",
				Help: "Resolver cache misses.",
			},
		),
		DispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_dispatched_jobs_total",
				Help: "Queue jobs handled by kind and status.",
			},
			[]string{"kind", "status"},
		),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		m.gatherer = reg
	}
	registerer.MustRegister(
		m.BatchesTotal,
		m.RecordsDropped,
		m.ShipmentsCreated,
		m.ShipmentsUpdated,
		m.ShipmentsChanged,
		m.JobsTotal,
		m.ProjectionRefresh,
		m.ResolveCacheHits,
		m.ResolveCacheMisses,
		m.DispatchedTotal,
	)

	return m
}

// Handler returns the scrape handler for the registry the metrics live in.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
