package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/bptl/internal/model"
)

// Metric label values for execution outcomes.
const (
	outcomeCompleted  = "completed"
	outcomeDangling   = "dangling"
	outcomeFailed     = "failed"
	outcomeSuperseded = "superseded"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bptl_tasks_total",
			Help: "Total number of task executions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bptl_task_failures_total",
			Help: "Total number of failed task executions by error category.",
		},
		[]string{"category"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bptl_handler_duration_seconds",
			Help:    "Duration of handler executions in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	reconciledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bptl_tasks_reconciled_total",
			Help: "Total number of performed tasks completed by reconciliation.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(failuresTotal)
	prometheus.MustRegister(handlerDuration)
	prometheus.MustRegister(reconciledTotal)

	for _, kind := range []string{model.KindEngine, model.KindDirect} {
		for _, outcome := range []string{outcomeCompleted, outcomeDangling, outcomeFailed, outcomeSuperseded} {
			tasksTotal.WithLabelValues(kind, outcome)
		}
	}
	for _, c := range []Category{CategoryConfiguration, CategoryHandler, CategoryProtocol, CategoryTransport} {
		failuresTotal.WithLabelValues(string(c))
	}
}
