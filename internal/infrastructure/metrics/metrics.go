package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors. Build one per registry; tests use
// prometheus.NewRegistry() so collectors never collide.
type Metrics struct {
	JobsSubmitted       prometheus.Counter
	JobsFinished        *prometheus.CounterVec // status, reason
	JobsQueued          prometheus.Gauge
	JobsRunning         prometheus.Gauge
	LockContended       prometheus.Counter
	LockLost            prometheus.Counter
	LockErrors          prometheus.Counter
	PersistenceFailures prometheus.Counter
	ExecutionSeconds    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "transfer_jobs_submitted_total",
			Help: "Transfer jobs admitted by the dispatcher.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_jobs_finished_total",
			Help: "Transfer jobs that reached a terminal status.",
		}, []string{"status", "reason"}),
		JobsQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_jobs_queued",
			Help: "Jobs waiting in per-account queues.",
		}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_jobs_running",
			Help: "Jobs currently holding their account lock.",
		}),
		LockContended: f.NewCounter(prometheus.CounterOpts{
			Name: "transfer_lock_contended_total",
			Help: "Lock acquisitions refused because the account was held.",
		}),
		LockLost: f.NewCounter(prometheus.CounterOpts{
			Name: "transfer_lock_lost_total",
			Help: "Renew or release calls answered with not-holder.",
		}),
		LockErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "transfer_lock_errors_total",
			Help: "Lock acquisitions that failed for a reason other than contention.",
		}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "transfer_persistence_failures_total",
			Help: "Jobs failed permanently after exhausting ledger retries.",
		}),
		ExecutionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "transfer_execution_seconds",
			Help:    "Time spent holding the account lock.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NewNop returns collectors bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
