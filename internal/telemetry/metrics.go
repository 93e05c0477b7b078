package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ActionsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "endorse_actions_succeeded_total", Help: "Actions confirmed by the platform"})
	ActionsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "endorse_actions_failed_total", Help: "Per-account failures by kind"}, []string{"kind"})
	AccountsDeactivated = prometheus.NewCounter(prometheus.CounterOpts{Name: "endorse_accounts_deactivated_total", Help: "Accounts marked non-operational after a login failure"})
	WorkersStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "endorse_workers_started_total", Help: "Chunk workers started"})
	WorkerFatal         = prometheus.NewCounter(prometheus.CounterOpts{Name: "endorse_worker_fatal_total", Help: "Workers that reported a fatal error"})
	ChunksCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "endorse_chunks_completed_total", Help: "Chunks whose worker exited"})
	EligibleCandidates  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "endorse_eligible_candidates", Help: "Candidates selected for the current run"})
	ChunkDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "endorse_chunk_duration_seconds",
		Help:    "Wall time from worker start to worker exit",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ActionsSucceeded,
			ActionsFailed,
			AccountsDeactivated,
			WorkersStarted,
			WorkerFatal,
			ChunksCompleted,
			EligibleCandidates,
			ChunkDuration,
		)
	})
	return promhttp.Handler()
}
