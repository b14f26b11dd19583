package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksLeased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_tasks_leased_total",
		Help: "Tasks leased to workers, by task kind.",
	}, []string{"kind"})

	leasesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_task_leases_expired_total",
		Help: "Task leases reclaimed after their holder went silent.",
	})

	queueBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_task_queue_backlog",
		Help: "Visible, unleased tasks per queue.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(tasksLeased, leasesExpired, queueBacklog)
}
