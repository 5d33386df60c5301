package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordDispatch("wp_get_posts", "success", 0.2)
	m.RecordDispatch("wp_get_posts", "success", 0.3)
	m.RecordRejection("rate_limited")
	m.RecordDownstreamRequest("GET", "200", 0.1)
	m.RecordDownstreamRetry()
	m.SetSessionStats(3, 42, 1)
	m.SetAdmissionState(7, 1)
	m.SetActiveAlerts(2)
	m.SetWebSocketClients(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("wp_get_posts", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownstreamRequestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownstreamRetriesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionRotations))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RateLimiterEntries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveAlerts))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.WebSocketClients))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.RecordDispatch("tool", "success", 1)
		m.RecordRejection("oversized")
		m.RecordDownstreamRequest("GET", "500", 1)
		m.RecordDownstreamRetry()
		m.SetWebSocketClients(1)
	})
}

func TestSeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
