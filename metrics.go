package x402

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "challenges_issued_total",
		Help:      "Number of payment challenges issued.",
	})

	paymentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "payment_outcomes_total",
		Help:      "Payment proofs processed, by outcome.",
	}, []string{"outcome"})

	verificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "x402",
		Name:      "verification_duration_seconds",
		Help:      "Time spent verifying payment proofs.",
		Buckets:   prometheus.DefBuckets,
	})

	bypassedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "bypassed_requests_total",
		Help:      "Requests admitted without a payment, by reason.",
	}, []string{"reason"})
)

// Outcome labels for paymentOutcomes.
const (
	outcomeVerified = "verified"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// RecordOutcome counts the result of a verification performed outside the
// HTTP paywalls, such as by the gRPC interceptors.
func RecordOutcome(err error) {
	switch {
	case err == nil:
		paymentOutcomes.WithLabelValues(outcomeVerified).Inc()
	case IsRejection(err):
		paymentOutcomes.WithLabelValues(outcomeRejected).Inc()
	default:
		paymentOutcomes.WithLabelValues(outcomeError).Inc()
	}
}
