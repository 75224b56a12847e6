// Package metrics defines the Prometheus instrumentation surface described
// in SPEC_FULL.md A7. Each component registers against the package-level
// collectors here rather than rolling its own registry, mirroring how the
// teacher centralizes its instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of ready, un-archived messages per
	// named queue instance (event_processing_queue, batch_job_queue).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "maccas",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of ready messages currently enqueued, by queue name.",
	}, []string{"queue"})

	// DispatcherInflight reports how many event handlers are currently
	// running inside the semaphore-bounded worker pool.
	DispatcherInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "maccas",
		Subsystem: "dispatcher",
		Name:      "inflight",
		Help:      "Number of event handlers currently executing.",
	})

	// EventAttemptsTotal counts every dispatch attempt, by event name and
	// outcome (completed, failed, duplicate, cancelled).
	EventAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maccas",
		Subsystem: "event",
		Name:      "attempts_total",
		Help:      "Total event dispatch attempts, labeled by event name and outcome.",
	}, []string{"name", "outcome"})

	// JobRunsTotal counts every scheduled job execution, by job name and
	// outcome.
	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maccas",
		Subsystem: "job",
		Name:      "runs_total",
		Help:      "Total scheduled job executions, labeled by job name and outcome.",
	}, []string{"name", "outcome"})

	// AccountLockContendedTotal counts lock attempts that found the
	// account already leased.
	AccountLockContendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "maccas",
		Subsystem: "account_lock",
		Name:      "contended_total",
		Help:      "Total account lock attempts that failed because the account was already locked.",
	})

	// OfferAuditTotal counts audit rows written, by action (Add, Remove).
	OfferAuditTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maccas",
		Subsystem: "offer_audit",
		Name:      "total",
		Help:      "Total offer audit rows written, labeled by action.",
	}, []string{"action"})

	// TokenRefreshTotal counts token refresh attempts, by outcome
	// (refreshed, reauthenticated, failed).
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maccas",
		Subsystem: "token",
		Name:      "refresh_total",
		Help:      "Total token refresh attempts, labeled by outcome.",
	}, []string{"outcome"})
)
