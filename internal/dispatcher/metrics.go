package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the dispatcher/engine counters exposed at /metrics by
// httpapi (SPEC_FULL.md §13 "Prometheus metrics endpoint").
type Metrics struct {
	TasksClaimed       prometheus.Counter
	TasksCompleted     prometheus.Counter
	TasksFailed         prometheus.Counter
	TasksDeadLettered   prometheus.Counter
	StuckTasksRecovered prometheus.Counter
	DeadLetterRequeued  prometheus.Counter
	UnitsProcessed      prometheus.Counter
	UnitsFailed         prometheus.Counter
	UnitsParseRetried   prometheus.Counter
	BreakerTrips        prometheus.Counter
}

// NewMetrics registers the dispatcher's counters against reg (pass
// prometheus.DefaultRegisterer from httpapi's wiring, or a dedicated
// registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_tasks_claimed_total", Help: "Tasks claimed by a dispatcher worker.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_tasks_completed_total", Help: "Tasks that reached the completed state.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_tasks_failed_total", Help: "Tasks that reached the failed state.",
		}),
		TasksDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_tasks_dead_lettered_total", Help: "Tasks moved to dead_letter.",
		}),
		StuckTasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_tasks_stuck_recovered_total", Help: "Tasks recovered by the stuck-task sweeper.",
		}),
		DeadLetterRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_tasks_dead_letter_requeued_total", Help: "Tasks moved from dead_letter back to pending by the rescan cron.",
		}),
		UnitsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_units_processed_total", Help: "Units that completed successfully.",
		}),
		UnitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_units_failed_total", Help: "Units that ended in a terminal per-unit error.",
		}),
		UnitsParseRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_units_parse_retried_total", Help: "Units that required at least one parse retry.",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchlm_breaker_trips_total", Help: "Circuit breaker trip events surfaced by the engine.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksClaimed, m.TasksCompleted, m.TasksFailed, m.TasksDeadLettered,
			m.StuckTasksRecovered, m.DeadLetterRequeued, m.UnitsProcessed, m.UnitsFailed, m.UnitsParseRetried, m.BreakerTrips,
		)
	}
	return m
}
