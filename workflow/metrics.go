package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the engine's Prometheus collectors.
type engineMetrics struct {
	actionsTotal       *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	instancesStarted   prometheus.Counter
	instancesFinished  *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec
	notificationErrors prometheus.Counter
	commitConflicts    prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_actions_total",
				Help: "Total number of action requests by action type and outcome",
			},
			[]string{"action_type", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docflow_action_duration_seconds",
				Help:    "Time spent applying an action request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action_type"},
		),
		instancesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docflow_instances_started_total",
				Help: "Total number of workflow instances started",
			},
		),
		instancesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_instances_finished_total",
				Help: "Total number of workflow instances reaching a terminal status",
			},
			[]string{"status"},
		),
		escalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_escalations_total",
				Help: "Total number of step escalations by cause",
			},
			[]string{"cause"},
		),
		notificationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docflow_notification_errors_total",
				Help: "Total number of notifications the notifier failed to accept",
			},
		),
		commitConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docflow_commit_conflicts_total",
				Help: "Total number of commits rejected by the version check",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.actionsTotal,
			m.actionDuration,
			m.instancesStarted,
			m.instancesFinished,
			m.escalationsTotal,
			m.notificationErrors,
			m.commitConflicts,
		)
	}
	return m
}
