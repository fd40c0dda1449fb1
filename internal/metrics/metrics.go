// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RotationsTotal counts rotation attempts by outcome
	// (success, failure, quota_deferred, stale).
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "titlepilot_rotations_total",
		Help: "Rotation attempts by outcome.",
	}, []string{"outcome"})

	// QuotaDeniedTotal counts quota admission denials.
	QuotaDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlepilot_quota_denied_total",
		Help: "Quota admissions denied.",
	})

	// SchedulerTicksTotal counts scheduler poll cycles.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlepilot_scheduler_ticks_total",
		Help: "Scheduler poll cycles executed.",
	})

	// ExperimentsAutoPaused counts experiments paused by the failure ceiling.
	ExperimentsAutoPaused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "titlepilot_experiments_auto_paused_total",
		Help: "Experiments auto-paused after repeated rotation failures.",
	})
)
