// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of a rate limit check.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks requests currently being served.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// RateLimitChecksTotal counts limiter decisions by action and outcome.
	RateLimitChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_checks_total",
			Help: "Total number of rate limit checks",
		},
		[]string{"action", "outcome"},
	)

	// RateLimitedTotal counts requests rejected with 429.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
		[]string{"action"},
	)

	// RateLimitFailOpenTotal counts requests forwarded because storage was unavailable.
	RateLimitFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_fail_open_total",
			Help: "Total number of requests allowed while rate limit storage was unavailable",
		},
		[]string{"action"},
	)

	// SweepDeletedTotal counts expired records removed by the sweeper.
	SweepDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_sweep_deleted_total",
			Help: "Total number of expired rate limit records deleted",
		},
	)

	// SweepErrorsTotal counts failed sweeps.
	SweepErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_sweep_errors_total",
			Help: "Total number of failed rate limit sweeps",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCheck records one limiter decision. invalid is the sentinel for
// argument errors; every other error counts as a storage error.
func RecordCheck(action string, allowed bool, err, invalid error) {
	outcome := OutcomeDenied
	switch {
	case err != nil && invalid != nil && errors.Is(err, invalid):
		outcome = OutcomeInvalid
	case err != nil:
		outcome = OutcomeError
	case allowed:
		outcome = OutcomeAllowed
	}
	RateLimitChecksTotal.WithLabelValues(action, outcome).Inc()
}

// RecordRateLimited records a request rejected with 429.
func RecordRateLimited(action string) {
	RateLimitedTotal.WithLabelValues(action).Inc()
}

// RecordFailOpen records a request forwarded without a decision.
func RecordFailOpen(action string) {
	RateLimitFailOpenTotal.WithLabelValues(action).Inc()
}

// RecordSweep records the outcome of one sweep.
func RecordSweep(deleted int64, err error) {
	if err != nil {
		SweepErrorsTotal.Inc()
	}
	if deleted > 0 {
		SweepDeletedTotal.Add(float64(deleted))
	}
}
