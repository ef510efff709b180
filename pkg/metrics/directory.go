package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DirectoryMetrics holds the Prometheus instruments for calls against the
// collab.Directory collaborator: backend lookups, tombstone writes, status
// writeback, and changelog checks.
type DirectoryMetrics struct {
	QueryDurationSeconds *prometheus.HistogramVec
	QueryErrorsTotal     *prometheus.CounterVec
	TombstoneWritesTotal prometheus.Counter
}

// NewDirectoryMetrics registers the directory-collaborator instrument set
// under namespace/"directory".
func NewDirectoryMetrics(namespace string) *DirectoryMetrics {
	subsystem := "directory"
	return &DirectoryMetrics{
		QueryDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_duration_seconds",
			Help:      "Duration of Directory collaborator calls, by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		QueryErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_errors_total",
			Help:      "Directory collaborator calls that returned an error, by operation.",
		}, []string{"operation"}),
		TombstoneWritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tombstone_writes_total",
			Help:      "Successful tombstone agreement-maxcsn writes.",
		}),
	}
}

// Observe records the outcome of a single Directory call.
func (d *DirectoryMetrics) Observe(operation string, seconds float64, err error) {
	d.QueryDurationSeconds.WithLabelValues(operation).Observe(seconds)
	if err != nil {
		d.QueryErrorsTotal.WithLabelValues(operation).Inc()
	}
}
