// Package metrics exposes Prometheus collectors for fetch, webhook, and
// orchestrator run outcomes, grounded on the crawler pack's own
// promauto-based metrics package.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal             *prometheus.CounterVec
	fetchBytesTotal        *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	webhookTotal           *prometheus.CounterVec
	webhookDurationSeconds *prometheus.HistogramVec
	runOutcomesTotal       *prometheus.CounterVec
	runTargetsTotal        prometheus.Counter
	circuitOpenTotal       prometheus.Counter

	once sync.Once
)

// Init registers every collector. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_fetch_total",
				Help: "Total number of fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by rendering mode.",
			},
			[]string{"rendering_mode"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_fetch_duration_seconds",
				Help:    "Histogram of fetch durations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"rendering_mode"},
		)

		webhookTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_webhook_deliveries_total",
				Help: "Total webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		webhookDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_webhook_duration_seconds",
				Help:    "Histogram of webhook delivery durations.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"outcome"},
		)

		runOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_run_outcomes_total",
				Help: "Total pipeline outcomes per tick, labeled by event kind.",
			},
			[]string{"kind"},
		)

		runTargetsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_run_targets_total",
				Help: "Total number of targets processed across all ticks.",
			},
		)

		circuitOpenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_circuit_open_total",
				Help: "Total number of times a target's webhook circuit breaker tripped open.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt outcome.
func ObserveFetch(renderingMode, outcome string, bytesFetched int64, duration time.Duration) {
	fetchTotal.WithLabelValues(outcome).Inc()
	fetchBytesTotal.WithLabelValues(renderingMode).Add(float64(bytesFetched))
	fetchDurationSeconds.WithLabelValues(renderingMode).Observe(duration.Seconds())
}

// ObserveWebhook records one webhook delivery outcome.
func ObserveWebhook(outcome string, duration time.Duration) {
	webhookTotal.WithLabelValues(outcome).Inc()
	webhookDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRunOutcome increments the per-kind outcome counter for one tick.
func ObserveRunOutcome(kind string) {
	runOutcomesTotal.WithLabelValues(kind).Inc()
}

// ObserveRunTargets adds n targets to the cumulative processed-targets counter.
func ObserveRunTargets(n int) {
	runTargetsTotal.Add(float64(n))
}

// ObserveCircuitOpen increments the circuit-breaker-tripped counter.
func ObserveCircuitOpen() {
	circuitOpenTotal.Inc()
}
