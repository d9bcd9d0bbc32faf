package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FixesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runtracker_fixes_accepted_total",
		Help: "Location fixes added to a running session's route",
	})
	FixesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtracker_fixes_rejected_total",
		Help: "Location fixes ignored while running, by reason",
	}, []string{"reason"})
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtracker_transitions_total",
		Help: "Run session state transitions, by target state",
	}, []string{"state"})
	WorkoutsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runtracker_workouts_recorded_total",
		Help: "Finished runs handed to the health store, by outcome",
	}, []string{"status"})
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runtracker_snapshot_failures_total",
		Help: "Failed writes of in-progress run snapshots",
	})
	ActiveControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runtracker_active_controllers",
		Help: "Run session controllers held in memory",
	})
)
