package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ProviderResponses = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_provider_responses_total", Help: "Provider responses by outcome class"}, []string{"provider", "class"})
	Reschedules       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_reschedules_total", Help: "Work units released back to the queue"}, []string{"provider", "reason"})
	RateBudgetRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_rate_budget_rejects_total", Help: "Calls deferred because the provider budget was spent"}, []string{"provider"})
	DeadlockRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_deadlock_retries_total", Help: "Transactions retried after a serialization failure"})
	DeadlockExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_deadlock_exhausted_total", Help: "Transactions that ran out of deadlock retries"})
	RunsStarted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_runs_started_total", Help: "Job runs started"}, []string{"job"})
	RunsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_runs_finished_total", Help: "Job runs finished by status"}, []string{"job", "status"})
	HeartbeatDrops    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_heartbeat_drops_total", Help: "Heartbeats that failed to persist"})
	QueuePurged       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_queue_purged_total", Help: "Queue entries removed by operator purge"}, []string{"queue", "state"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_worker_completed_total", Help: "Work units completed successfully"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_worker_failed_total", Help: "Work units that failed and will retry"})
	WorkerDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_worker_dead_letter_total", Help: "Work units moved to the failed store"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_worker_inflight", Help: "Work units currently reserved by this worker"})
)

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ProviderResponses,
			Reschedules,
			RateBudgetRejects,
			DeadlockRetries,
			DeadlockExhausted,
			RunsStarted,
			RunsFinished,
			HeartbeatDrops,
			QueuePurged,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
