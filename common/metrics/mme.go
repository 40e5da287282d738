package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MME attach-procedure metrics (spec.md §4.4, C4).
var (
	AttachAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_attach_attempts_total",
			Help: "Total number of EMM attach attempts, by outcome",
		},
		[]string{"result"}, // accepted, rejected, aborted
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_authentication_attempts_total",
			Help: "Total number of authentication common-procedure attempts, by outcome",
		},
		[]string{"result"}, // success, failure, timeout
	)

	SecurityModeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_security_mode_outcomes_total",
			Help: "Total number of security mode control outcomes",
		},
		[]string{"result"}, // success, reject, timeout
	)

	T3450Retransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mme_t3450_retransmits_total",
			Help: "Total number of ATTACH ACCEPT retransmissions due to T3450 expiry",
		},
	)

	T3450Exhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mme_t3450_exhaustions_total",
			Help: "Total number of attach abandonments after T3450's fifth expiry",
		},
	)

	ActiveContextsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mme_active_contexts",
			Help: "Number of EMM contexts currently in each FSM state",
		},
		[]string{"state"},
	)

	IdentifierIndexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mme_identifier_index_size",
			Help: "Number of EMM contexts registered in the identifier index",
		},
	)
)

// RecordAttachAttempt records an attach outcome ("accepted", "rejected", or
// "aborted").
func RecordAttachAttempt(result string) {
	AttachAttempts.WithLabelValues(result).Inc()
}

// RecordAuthenticationAttempt records an authentication common-procedure
// outcome.
func RecordAuthenticationAttempt(result string) {
	AuthenticationAttempts.WithLabelValues(result).Inc()
}

// RecordSecurityModeOutcome records a security-mode-control outcome.
func RecordSecurityModeOutcome(result string) {
	SecurityModeOutcomes.WithLabelValues(result).Inc()
}

// RecordT3450Retransmit increments the T3450 retransmission counter.
func RecordT3450Retransmit() {
	T3450Retransmits.Inc()
}

// RecordT3450Exhaustion increments the T3450 exhaustion counter.
func RecordT3450Exhaustion() {
	T3450Exhaustions.Inc()
}

// SetActiveContexts sets the gauge for a given FSM state's context count.
func SetActiveContexts(state string, count int) {
	ActiveContextsByState.WithLabelValues(state).Set(float64(count))
}

// SetIdentifierIndexSize sets the identifier index size gauge.
func SetIdentifierIndexSize(size int) {
	IdentifierIndexSize.Set(float64(size))
}
