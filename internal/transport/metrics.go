package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// upstreamAttempts tracks every attempt sent to the upstream API
	upstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstream_mcp_upstream_attempts_total",
			Help: "Total upstream attempts by HTTP method and outcome (status class or transport error type)",
		},
		[]string{"method", "outcome"},
	)

	// upstreamAttemptDuration tracks attempt latency
	upstreamAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mstream_mcp_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt latency by HTTP method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// recordAttempt records one finished attempt
func recordAttempt(method, outcome string, d time.Duration) {
	upstreamAttempts.WithLabelValues(method, outcome).Inc()
	upstreamAttemptDuration.WithLabelValues(method).Observe(d.Seconds())
}
