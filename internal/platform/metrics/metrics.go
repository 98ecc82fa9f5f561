// Package metrics registra los contadores del daemon en el registry por defecto de Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "petsync"

var (
	ActionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Mutations appended to the pending-sync log.",
		},
		[]string{"type"},
	)

	SyncAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Remote replays by action type and outcome (success, failed, terminal, auth).",
		},
		[]string{"type", "outcome"},
	)

	DrainPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_passes_total",
			Help:      "Dispatcher passes by result reason (completed, offline, busy, locked, auth, storage).",
		},
		[]string{"reason"},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Wall time of a completed dispatcher pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	PendingActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Actions currently in the pending-sync log.",
		},
	)

	StorageWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_warnings_total",
			Help:      "Storage degradations reported to the UI.",
		},
		[]string{"op"},
	)
)

// Outcomes de SyncAttempts.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeTerminal = "terminal"
	OutcomeAuth     = "auth"
)
