// Package metrics exposes the trigger runner's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spawn_runner_runs_started_total",
			Help: "Workflow cycles started by the trigger runner",
		},
	)

	RunsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawn_runner_runs_rejected_total",
			Help: "Trigger requests rejected, by reason",
		},
		[]string{"reason"},
	)

	RunsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawn_runner_runs_reaped_total",
			Help: "Run slots reaped, by cause (dead, timeout, idle)",
		},
		[]string{"cause"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spawn_runner_active_runs",
			Help: "Currently supervised workflow cycles",
		},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spawn_runner_run_duration_seconds",
			Help:    "Wall-clock duration of completed workflow cycles",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
	)
)
