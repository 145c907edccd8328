/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package middleware

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is an interface for collecting rate limiting metrics.
type MetricsCollector interface {
	// IncRateLimitRejects increments the counter of requests rejected by the named policy.
	IncRateLimitRejects(policy string, dryRun bool, queued bool)
}

// Labels of the Prometheus metrics.
const (
	metricsLabelPolicy = "policy"
	metricsLabelDryRun = "dry_run"
	metricsLabelQueued = "queued"
)

// PrometheusMetrics represents collector of metrics for the rate limiting middleware.
type PrometheusMetrics struct {
	RateLimitRejects *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace of the metrics.
	Namespace string

	// ConstLabels is a set of labels that will be applied to the metrics.
	ConstLabels prometheus.Labels
}

// NewPrometheusMetricsWithOpts creates a new configured instance of PrometheusMetrics.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	return &PrometheusMetrics{
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_rejects_total",
			Help:        "The total number of requests rejected by rate limiting policies.",
			ConstLabels: opts.ConstLabels,
		}, []string{metricsLabelPolicy, metricsLabelDryRun, metricsLabelQueued}),
	}
}

// MustRegister registers metrics in Prometheus client's registry, panics on error.
func (m *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(m.RateLimitRejects)
}

// Unregister unregisters metrics in Prometheus client's registry.
func (m *PrometheusMetrics) Unregister() {
	prometheus.Unregister(m.RateLimitRejects)
}

// IncRateLimitRejects increments the counter of requests rejected by the named policy.
func (m *PrometheusMetrics) IncRateLimitRejects(policy string, dryRun bool, queued bool) {
	m.RateLimitRejects.With(prometheus.Labels{
		metricsLabelPolicy: policy,
		metricsLabelDryRun: strconv.FormatBool(dryRun),
		metricsLabelQueued: strconv.FormatBool(queued),
	}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncRateLimitRejects(string, bool, bool) {}
