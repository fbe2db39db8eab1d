// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the daemon's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	DocumentsIngested prometheus.Counter
	DocumentsRemoved  prometheus.Counter
	StageFailures     *prometheus.CounterVec
	Quarantined       prometheus.Counter

	ReconcilePasses   prometheus.Counter
	ReconcileDuration prometheus.Histogram
	ClustersLive      prometheus.Gauge
	DocumentsTracked  prometheus.Gauge

	MovesTotal  prometheus.Counter
	MovesFailed prometheus.Counter

	Searches prometheus.Counter
	Asks     prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		DocumentsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "documents_ingested_total",
			Help: "Documents successfully ingested.",
		}),
		DocumentsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "documents_removed_total",
			Help: "Documents removed from the corpus.",
		}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semafold", Name: "stage_failures_total",
			Help: "Pipeline failures by stage.",
		}, []string{"stage"}),
		Quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "documents_quarantined_total",
			Help: "Documents quarantined after exhausting embedding retries.",
		}),
		ReconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "reconcile_passes_total",
			Help: "Completed reconciliation passes.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semafold", Name: "reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		ClustersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semafold", Name: "clusters_live",
			Help: "Live (non-retired) clusters.",
		}),
		DocumentsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semafold", Name: "documents_tracked",
			Help: "Documents currently tracked.",
		}),
		MovesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "moves_total",
			Help: "File moves performed by the organizer.",
		}),
		MovesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "moves_failed_total",
			Help: "File moves that failed.",
		}),
		Searches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "searches_total",
			Help: "Search requests served.",
		}),
		Asks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semafold", Name: "asks_total",
			Help: "Ask requests served.",
		}),
	}

	reg.MustRegister(
		m.DocumentsIngested, m.DocumentsRemoved, m.StageFailures, m.Quarantined,
		m.ReconcilePasses, m.ReconcileDuration, m.ClustersLive, m.DocumentsTracked,
		m.MovesTotal, m.MovesFailed, m.Searches, m.Asks,
	)
	return m
}
