package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsync",
			Name:      "sync_runs_total",
			Help:      "Sync runs by final state.",
		},
		[]string{"state"},
	)

	messagesSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsync",
			Name:      "messages_synced_total",
			Help:      "Messages processed by delta kind.",
		},
		[]string{"kind"},
	)

	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsync",
			Name:      "dead_letters_total",
			Help:      "Failures routed to the dead letter queue by failure type.",
		},
		[]string{"failure_type"},
	)

	retryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsync",
			Name:      "retry_outcomes_total",
			Help:      "Dead letter retry attempts by outcome.",
		},
		[]string{"outcome"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailsync",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
		[]string{"name"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncRuns, messagesSynced, deadLetters, retryOutcomes, breakerState)
	})
}

// IncSyncRun increments the run counter for a final checkpoint state.
func IncSyncRun(state string) {
	syncRuns.WithLabelValues(state).Inc()
}

// AddMessagesSynced adds to the message counter for a delta kind
// (added, deleted, label_changed).
func AddMessagesSynced(kind string, n int) {
	messagesSynced.WithLabelValues(kind).Add(float64(n))
}

// IncDeadLetter increments the dead letter counter for a failure type.
func IncDeadLetter(failureType string) {
	deadLetters.WithLabelValues(failureType).Inc()
}

// IncRetryOutcome increments the retry counter for an outcome
// (resolved, requeued).
func IncRetryOutcome(outcome string) {
	retryOutcomes.WithLabelValues(outcome).Inc()
}

// SetBreakerState records the numeric state of a named breaker.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
