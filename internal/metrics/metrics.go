// Package metrics holds the prometheus collectors for store mutations and
// gesture outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	Mutations        *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	Triage           *prometheus.CounterVec
	DragCancels      prometheus.Counter
	Reorders         *prometheus.CounterVec
	ReorderRows      prometheus.Histogram
}

// New registers the collectors on a fresh registry, so tests and several
// services in one process never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_mutations_total",
			Help: "Store mutations by operation and result.",
		}, []string{"op", "result"}),
		MutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_mutation_duration_seconds",
			Help:    "Time from submit to commit of a store mutation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
		}, []string{"op"}),
		Triage: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_commits_total",
			Help: "Committed quadrant assignments by priority.",
		}, []string{"priority"}),
		DragCancels: f.NewCounter(prometheus.CounterOpts{
			Name: "triage_drag_cancels_total",
			Help: "Drags released inside the dead zone or on an axis.",
		}),
		Reorders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_reorders_total",
			Help: "Reorder batches by partition and result.",
		}, []string{"partition", "result"}),
		ReorderRows: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_reorder_rows",
			Help:    "Rows written per reorder batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// ObserveMutation records one mutation outcome.
func (m *Metrics) ObserveMutation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Mutations.WithLabelValues(op, result).Inc()
	m.MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
