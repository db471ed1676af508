package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Daemon loop ─────────────────────────────────────────────────────────────

	WorkerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "ticks_total",
		Help:      "Polling ticks run, labelled by pool and outcome (claimed, idle, failed, no_pool).",
	}, []string{"pool", "outcome"})

	WorkerTickDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "tick_duration_seconds",
		Help:      "Time spent in one tick body, excluding build execution.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"pool"})

	// ─── Claim engine ────────────────────────────────────────────────────────────

	WorkerClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "claims_total",
		Help:      "Builds claimed, labelled by pool and mode (pool, targeted).",
	}, []string{"pool", "mode"})

	WorkerClaimContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "claim_contention_total",
		Help:      "Claim attempts abandoned because another worker held the row lock.",
	}, []string{"pool"})

	WorkerDuplicatesAbortedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "duplicates_aborted_total",
		Help:      "Queued builds aborted because another build of the same project was claimed.",
	}, []string{"pool"})

	// ─── Reaper ──────────────────────────────────────────────────────────────────

	WorkerOrphanedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "orphaned_total",
		Help:      "Queued builds reaped as ORPHANED after the auto-abort window.",
	}, []string{"pool"})

	WorkerAbortsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "aborts_finalized_total",
		Help:      "ABORTING builds force-finalized to ABORTED by the stuck-abort sweep.",
	})

	// ─── Import ──────────────────────────────────────────────────────────────────

	WorkerImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "imports_total",
		Help:      "Organization import attempts, labelled by result (ok, failed, locked, throttled).",
	}, []string{"pool", "result"})

	// ─── Execution ───────────────────────────────────────────────────────────────

	WorkerBuildsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "builds_executed_total",
		Help:      "Builds handed to the execution engine, labelled by engine and final status.",
	}, []string{"engine", "status"})

	WorkerBuildDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vespene",
		Subsystem: "worker",
		Name:      "build_duration_seconds",
		Help:      "Wall-clock time of one build execution.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"engine"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerBuildsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vespene",
		Subsystem: "scheduler",
		Name:      "builds_queued_total",
		Help:      "Builds queued from due project schedules.",
	})
)
