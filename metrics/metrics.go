// Package metrics holds the Prometheus collectors exported by the recipes.
// Collectors register with the default registry; expose them with
// promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zkrecipes"

var (
	// LockAcquireDuration tracks time from the start of an acquisition
	// attempt until the lock is held or the attempt fails.
	// labels: path, kind (lock, read, write)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_acquire_duration_seconds",
			Help:      "time taken to acquire a lock",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"path", "kind"},
	)

	// LockAcquireTotal counts acquisitions by outcome.
	// labels: path, kind, status (success, reentrant, timeout, failure)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "total number of lock acquisition attempts",
		},
		[]string{"path", "kind", "status"},
	)

	// LockReleaseTotal counts releases that removed a candidacy znode.
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_release_total",
			Help:      "total number of lock releases",
		},
		[]string{"path", "kind"},
	)

	// LocksHeld is the number of lock handles currently held by this process.
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "current number of held locks",
		},
		[]string{"path", "kind"},
	)

	// IsLeader is 1 while the participant holds leadership for the path.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "whether this participant is the leader (1 = leader, 0 = not)",
		},
		[]string{"path", "recipe", "participant"},
	)

	// LeadershipTransitions counts leadership gained and lost events.
	// labels: path, recipe (latch, selector), transition (gained, lost)
	LeadershipTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leadership_transitions_total",
			Help:      "total number of leadership transitions",
		},
		[]string{"path", "recipe", "transition"},
	)

	// TaskDuration tracks how long selector leadership tasks ran.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leadership_task_duration_seconds",
			Help:      "time spent running a leadership task",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		},
		[]string{"path", "status"},
	)

	// CacheEvents counts events emitted to cache listeners.
	// labels: cache (node, children, tree), type
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "total number of cache events emitted",
		},
		[]string{"cache", "type"},
	)

	// CacheRefreshErrors counts failed refresh attempts. Failed refreshes are
	// retried and never surfaced to cache readers.
	CacheRefreshErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refresh_errors_total",
			Help:      "total number of failed cache refreshes",
		},
		[]string{"cache"},
	)

	// WatchesArmed counts watches registered with the store.
	WatchesArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watches_armed_total",
			Help:      "total number of one-shot watches registered",
		},
		[]string{"kind"},
	)

	// SessionEvents counts session state changes.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "total number of session state events",
		},
		[]string{"state"},
	)
)
