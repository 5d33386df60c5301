package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wpgate_process"

// Metrics contains the process-level Prometheus metrics for wpgate.
type Metrics struct {
	// Dispatch.
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	RejectionsTotal  *prometheus.CounterVec

	// Downstream.
	DownstreamRequestsTotal *prometheus.CounterVec
	DownstreamDuration      *prometheus.HistogramVec
	DownstreamRetriesTotal  prometheus.Counter

	// Sessions.
	SessionRotations prometheus.Gauge
	SessionRequests  prometheus.Gauge
	SessionInFlight  prometheus.Gauge

	// Admission state.
	RateLimiterEntries prometheus.Gauge
	VaultTokens        prometheus.Gauge
	ActiveAlerts       prometheus.Gauge
	WebSocketClients   prometheus.Gauge

	// HTTP.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Build info.
	BuildInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance and registers all metrics with reg.
// A nil reg registers with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	f := promauto.With(reg)

	m := &Metrics{
		// Dispatch.
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of tool invocations by outcome",
			},
			[]string{"tool", "outcome"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Tool invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		RejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of invocations rejected before reaching a handler",
			},
			[]string{"reason"},
		),

		// Downstream.
		DownstreamRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downstream_requests_total",
				Help:      "Total number of WordPress API requests",
			},
			[]string{"method", "status"},
		),
		DownstreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "downstream_request_duration_seconds",
				Help:      "WordPress API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DownstreamRetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downstream_retries_total",
				Help:      "Total number of retried WordPress API requests",
			},
		),

		// Sessions.
		SessionRotations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_rotations",
				Help:      "Number of session rotations since start",
			},
		),
		SessionRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_requests",
				Help:      "Requests served by the current session",
			},
		),
		SessionInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_in_flight",
				Help:      "Requests in flight on the current session",
			},
		),

		// Admission state.
		RateLimiterEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limiter_entries",
				Help:      "Number of identifiers tracked by the rate limiter",
			},
		),
		VaultTokens: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_tokens",
				Help:      "Number of credential tokens held by the vault",
			},
		),
		ActiveAlerts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_alerts",
				Help:      "Number of active alerts",
			},
		),
		WebSocketClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Number of connected alert stream clients",
			},
		),

		// HTTP.
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Build info.
		BuildInfo: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version", "commit", "date"},
		),
	}

	return m
}

// SetBuildInfo sets the build info metric.
func (m *Metrics) SetBuildInfo(version, commit, date string) {
	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// RecordDispatch records a completed tool invocation.
func (m *Metrics) RecordDispatch(tool, outcome string, seconds float64) {
	if m == nil {
		return
	}

	m.DispatchTotal.WithLabelValues(tool, outcome).Inc()
	m.DispatchDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordRejection records an invocation rejected before its handler ran.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}

	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordDownstreamRequest records a single WordPress API attempt.
func (m *Metrics) RecordDownstreamRequest(method, status string, seconds float64) {
	if m == nil {
		return
	}

	m.DownstreamRequestsTotal.WithLabelValues(method, status).Inc()
	m.DownstreamDuration.WithLabelValues(method).Observe(seconds)
}

// RecordDownstreamRetry increments the retry counter.
func (m *Metrics) RecordDownstreamRetry() {
	if m == nil {
		return
	}

	m.DownstreamRetriesTotal.Inc()
}

// SetSessionStats sets the session gauges.
func (m *Metrics) SetSessionStats(rotations, requests int64, inFlight int) {
	m.SessionRotations.Set(float64(rotations))
	m.SessionRequests.Set(float64(requests))
	m.SessionInFlight.Set(float64(inFlight))
}

// SetAdmissionState sets the rate limiter and vault gauges.
func (m *Metrics) SetAdmissionState(limiterEntries, vaultTokens int) {
	m.RateLimiterEntries.Set(float64(limiterEntries))
	m.VaultTokens.Set(float64(vaultTokens))
}

// SetActiveAlerts sets the active alerts gauge.
func (m *Metrics) SetActiveAlerts(n int) {
	m.ActiveAlerts.Set(float64(n))
}

// SetWebSocketClients sets the alert stream client gauge.
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}

	m.WebSocketClients.Set(float64(n))
}

// RecordHTTPRequest records an admin HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
