package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgreementMetrics holds the Prometheus instruments for the agreement
// lifecycle: session counts, replay/skip counters, maxcsn update rate, and
// start/stop timing.
type AgreementMetrics struct {
	SessionsActive       prometheus.Gauge
	ChangesReplayedTotal *prometheus.CounterVec
	ChangesSkippedTotal  *prometheus.CounterVec
	MaxcsnUpdatesTotal   prometheus.Counter
	StartDurationSeconds prometheus.Histogram
	StopDurationSeconds  prometheus.Histogram
	StatusTransitions    *prometheus.CounterVec
}

// NewAgreementMetrics registers the agreement-lifecycle instrument set under
// namespace/"agreement".
func NewAgreementMetrics(namespace string) *AgreementMetrics {
	subsystem := "agreement"
	return &AgreementMetrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of agreements with a running replication session.",
		}),
		ChangesReplayedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "changes_replayed_total",
			Help:      "Changes delivered to the remote supplier, by agreement identity.",
		}, []string{"agreement"}),
		ChangesSkippedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "changes_skipped_total",
			Help:      "Changes suppressed by fractional or strip filtering, by agreement identity.",
		}, []string{"agreement"}),
		MaxcsnUpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "maxcsn_updates_total",
			Help:      "Tombstone agreement-maxcsn writes performed.",
		}),
		StartDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "start_duration_seconds",
			Help:      "Time to start a replication session, from lifecycle.Start to protocol handoff.",
			Buckets:   prometheus.DefBuckets,
		}),
		StopDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stop_duration_seconds",
			Help:      "Time to stop a replication session.",
			Buckets:   prometheus.DefBuckets,
		}),
		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_transitions_total",
			Help:      "Status-line state transitions, by resulting state (green/amber/red).",
		}, []string{"state"}),
	}
}
