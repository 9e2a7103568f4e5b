package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsTotal counts every action admitted into the registry.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordination_actions_total",
		Help: "Total number of actions registered, by type and source",
	}, []string{"type", "source"})

	// ConflictsTotal counts detected conflicts by structural kind.
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordination_conflicts_total",
		Help: "Total number of conflicts detected",
	}, []string{"conflict_type"})

	// ActiveActions tracks actions currently in the Running state.
	ActiveActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordination_active_actions",
		Help: "Current number of running actions",
	})

	// ResolutionTime tracks the detect-to-commit latency of conflict resolution.
	ResolutionTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordination_resolution_time_seconds",
		Help:    "Conflict resolution latency (detection through status commit)",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~400ms
	})

	// QueueDepth tracks the number of actions waiting for a dispatch slot.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordination_queue_depth",
		Help: "Current number of pending actions in the dispatch queue",
	})

	// Rejections counts submissions refused by admission control.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordination_rejections_total",
		Help: "Submissions rejected by admission control",
	}, []string{"reason"}) // rate_limited, validation, conflict_loss, fail_safe

	// UnresolvedTies counts resolutions that fell through every rule and
	// were decided by age alone. Operator visibility signal.
	UnresolvedTies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordination_unresolved_ties_total",
		Help: "Conflicts decided only by the created_at tie-break",
	})

	// ExecutionTimeouts counts actions failed for missing executor callbacks.
	ExecutionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordination_execution_timeouts_total",
		Help: "Running actions failed because no executor callback arrived in time",
	})

	// APIRateLimited counts HTTP requests refused with 429.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordination_api_rate_limited_total",
		Help: "API submissions rejected by the per-target rate limiter",
	}, []string{"endpoint"})

	// DispatchLoopDuration tracks one iteration of the dispatch loop.
	DispatchLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordination_dispatch_loop_duration_seconds",
		Help:    "Duration of one dispatch loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// StoreLatency tracks backend roundtrip latency per store kind.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordination_store_latency_seconds",
		Help:    "Registry backend operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"backend"})

	// ReaperPurged counts actions removed by the retention reaper.
	ReaperPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordination_reaper_purged_total",
		Help: "Terminal actions purged after the retention window",
	})
)
