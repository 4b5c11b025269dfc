// Package metrics exposes Prometheus instrumentation for quota decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peoplepeeper",
		Subsystem: "quota",
		Name:      "decisions_total",
		Help:      "Quota gate decisions by outcome and identity kind.",
	}, []string{"outcome", "identity_kind"})

	historyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peoplepeeper",
		Subsystem: "quota",
		Name:      "history_write_failures_total",
		Help:      "Search history rows that could not be written.",
	})
)

// RecordDecision counts one gate decision. Outcome is one of allowed,
// denied, error.
func RecordDecision(outcome, identityKind string) {
	decisions.WithLabelValues(outcome, identityKind).Inc()
}

// RecordHistoryFailure counts one failed search history write
func RecordHistoryFailure() {
	historyFailures.Inc()
}
