package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_executions_started_total",
			Help: "Total number of executions started.",
		},
	)

	executionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_executions_closed_total",
			Help: "Total number of executions reaching a terminal status.",
		},
		[]string{"status"},
	)

	decisionsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_decisions_processed_total",
			Help: "Total number of decision tasks processed.",
		},
		[]string{"outcome"},
	)

	eventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_history_events_appended_total",
			Help: "Total number of history events committed.",
		},
	)

	activityAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_activity_attempts_total",
			Help: "Total number of resolved activity attempts.",
		},
		[]string{"outcome"},
	)

	timersFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_timers_fired_total",
			Help: "Total number of durable timers fired.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsStarted)
	prometheus.MustRegister(executionsClosed)
	prometheus.MustRegister(decisionsProcessed)
	prometheus.MustRegister(eventsAppended)
	prometheus.MustRegister(activityAttempts)
	prometheus.MustRegister(timersFired)
}
