// Package metrics defines package-level Prometheus metric variables for the
// visitor counter. Call Register() once at startup to expose them on the
// default registry, or RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsObserved counts every request that passed through the middleware.
	RequestsObserved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_counter_requests_observed_total",
		Help: "Total HTTP requests observed by the counting middleware.",
	})

	// IncrementsEmitted counts increments delivered to the counter store,
	// labelled by counter kind.
	IncrementsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitor_counter_increments_emitted_total",
		Help: "Counter increments delivered to the store, by kind.",
	}, []string{"kind"})

	// IncrementErrors counts failed store increments, labelled by kind.
	// Failures never fail the request being served; counts undercount instead.
	IncrementErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitor_counter_increment_errors_total",
		Help: "Failed counter-store increments, by kind.",
	}, []string{"kind"})

	// ClaimRaces counts increments suppressed because another process
	// already held the distributed claim. Not an error.
	ClaimRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_counter_claim_races_total",
		Help: "Increments suppressed because another process held the claim.",
	})

	// ClaimErrors counts claim-store failures (the increment is skipped).
	ClaimErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_counter_claim_errors_total",
		Help: "Claim-store errors on the dedup path.",
	})

	// TrackedIdentities is a gauge of daily identity entries held in the
	// dedup ledger across the retained dates.
	TrackedIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitor_counter_tracked_identities",
		Help: "Daily identity entries currently retained by the dedup ledger.",
	})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
// Use an isolated prometheus.NewRegistry() in tests to avoid conflicts.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsObserved,
		IncrementsEmitted,
		IncrementErrors,
		ClaimRaces,
		ClaimErrors,
		TrackedIdentities,
	)
}
