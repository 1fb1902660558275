package camunda

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for engine call outcomes.
const (
	outcomeOK        = "ok"
	outcomeLockLost  = "lock_lost"
	outcomeTransport = "transport"
	outcomeRejected  = "rejected"
)

var (
	engineCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bptl_engine_calls_total",
			Help: "Total number of calls to the process engine by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	engineCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bptl_engine_call_duration_seconds",
			Help:    "Duration of process engine calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(engineCallsTotal)
	prometheus.MustRegister(engineCallDuration)

	for _, op := range []string{OpFetchAndLock, OpExtendLock, OpComplete, OpReportFailure} {
		for _, outcome := range []string{outcomeOK, outcomeLockLost, outcomeTransport, outcomeRejected} {
			engineCallsTotal.WithLabelValues(op, outcome)
		}
	}
}

func observeCall(op string, err error, d time.Duration) {
	engineCallDuration.WithLabelValues(op).Observe(d.Seconds())
	engineCallsTotal.WithLabelValues(op, outcomeOf(err)).Inc()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case IsLockLost(err):
		return outcomeLockLost
	case IsTransport(err):
		return outcomeTransport
	default:
		return outcomeRejected
	}
}
