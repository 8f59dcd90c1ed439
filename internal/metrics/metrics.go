// Package metrics exposes the engine's Prometheus instruments. Collectors
// are registered on the default registry at init; callers only use the
// Record functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "focuscoach"

var (
	// cycleDuration measures one user's evaluate-and-schedule cycle.
	// Labels: status (ok, skipped, conflict, error)
	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Evaluation cycle latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"status"})

	// candidates counts triggers that passed evaluation.
	// Labels: methodology
	candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "candidates_total",
		Help:      "Triggers that became candidates",
	}, []string{"methodology"})

	// skips counts triggers left out of the candidate set.
	// Labels: reason (error, cooldown, daily_cap)
	skips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "skips_total",
		Help:      "Triggers skipped during evaluation",
	}, []string{"reason"})

	// firings counts ledger reservations.
	// Labels: methodology, result (reserved, conflict)
	firings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "firings_total",
		Help:      "Firing reservations by result",
	}, []string{"methodology", "result"})

	// transitions counts unlock state changes.
	// Labels: to (eligible, unlocked, active)
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "unlock",
		Name:      "transitions_total",
		Help:      "Methodology unlock transitions",
	}, []string{"to"})

	// copyFallbacks counts LLM copy replaced by template copy.
	// Labels: reason (rate_limited, unavailable, invalid_response, truncated, error)
	copyFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compose",
		Name:      "fallbacks_total",
		Help:      "LLM copy failures answered with template copy",
	}, []string{"reason"})

	// deliveryAttempts counts channel attempts.
	// Labels: channel, outcome (ok, transient, permanent)
	deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"})

	// deliveryLatency measures a single channel attempt.
	// Labels: channel
	deliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "attempt_duration_seconds",
		Help:      "Delivery attempt latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})

	// deliveryFinal counts firings reaching a final delivery outcome.
	// Labels: channel, status (sent, delivered, failed, deferred, fallback)
	deliveryFinal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "outcomes_total",
		Help:      "Delivery outcomes by channel",
	}, []string{"channel", "status"})

	// queueDepth tracks queued jobs per channel.
	// Labels: channel
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "queue_depth",
		Help:      "Jobs waiting in each channel queue",
	}, []string{"channel"})

	// streamConsumers tracks connected real-time consumers.
	streamConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "consumers",
		Help:      "Connected stream consumers",
	})
)

// RecordCycle records the duration of a cycle.
func RecordCycle(status string, durationSec float64) {
	cycleDuration.WithLabelValues(status).Observe(durationSec)
}

// RecordCandidate records a trigger becoming a candidate.
func RecordCandidate(methodology string) {
	candidates.WithLabelValues(methodology).Inc()
}

// RecordSkip records a skipped trigger.
func RecordSkip(reason string) {
	skips.WithLabelValues(reason).Inc()
}

// RecordFiring records a reservation result.
func RecordFiring(methodology, result string) {
	firings.WithLabelValues(methodology, result).Inc()
}

// RecordTransition records an unlock transition.
func RecordTransition(to string) {
	transitions.WithLabelValues(to).Inc()
}

// RecordCopyFallback records template copy standing in for LLM copy.
func RecordCopyFallback(reason string) {
	copyFallbacks.WithLabelValues(reason).Inc()
}

// RecordDeliveryAttempt records one channel attempt and its latency.
func RecordDeliveryAttempt(channel, outcome string, durationSec float64) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
	deliveryLatency.WithLabelValues(channel).Observe(durationSec)
}

// RecordDeliveryOutcome records where a firing ended up.
func RecordDeliveryOutcome(channel, status string) {
	deliveryFinal.WithLabelValues(channel, status).Inc()
}

// SetQueueDepth sets the current queue depth of a channel.
func SetQueueDepth(channel string, depth int) {
	queueDepth.WithLabelValues(channel).Set(float64(depth))
}

// StreamConsumerConnected adjusts the consumer gauge by delta.
func StreamConsumerConnected(delta int) {
	streamConsumers.Add(float64(delta))
}
