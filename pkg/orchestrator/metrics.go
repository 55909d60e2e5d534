// Copyright 2025 Archon Governance Systems
//
// Prometheus metrics for the Validation Orchestrator, exercising
// github.com/prometheus/client_golang — declared in the teacher's own
// go.mod but never actually registered there; here it is wired for real.

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	stageMessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archon",
			Subsystem: "orchestrator",
			Name:      "stage_messages_processed_total",
			Help:      "Messages processed per pipeline stage.",
		},
		[]string{"stage"},
	)

	stageMessagesDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archon",
			Subsystem: "orchestrator",
			Name:      "stage_messages_duplicate_total",
			Help:      "Messages elided as duplicate deliveries per pipeline stage.",
		},
		[]string{"stage"},
	)

	votesDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archon",
			Subsystem: "orchestrator",
			Name:      "votes_dead_lettered_total",
			Help:      "Votes moved to DEAD_LETTERED, by reason.",
		},
		[]string{"reason"},
	)

	votesValidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archon",
			Subsystem: "orchestrator",
			Name:      "votes_validated_total",
			Help:      "Votes that reached VALIDATED.",
		},
	)

	votesOverridden = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archon",
			Subsystem: "orchestrator",
			Name:      "votes_overridden_total",
			Help:      "Votes moved between VALIDATED and OVERRIDDEN via reconciliation.",
		},
	)

	stageLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archon",
			Subsystem: "orchestrator",
			Name:      "stage_latency_seconds",
			Help:      "Time to handle one stage message, by stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

// RegisterMetrics registers the orchestrator's collectors with reg. Call
// once at process startup with the shared Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		stageMessagesProcessed,
		stageMessagesDuplicate,
		votesDeadLettered,
		votesValidated,
		votesOverridden,
		stageLatencySeconds,
	)
}
