package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.TransitionCommitted("transition")
	m.TransitionCommitted("transition")
	m.TransitionCommitted("close_production")
	m.TransitionRolledBack("REPORT_CREATE_FAILED")
	m.SessionAbandoned("expired")
	m.HeartbeatRecorded()
	m.HeartbeatRecorded()
	m.RequestServed("/sessions/:id", http.StatusConflict)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("close_production")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("REPORT_CREATE_FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandonments.WithLabelValues("expired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.heartbeats))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/sessions/:id", "Conflict")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.HeartbeatRecorded()
	m.GaugeFunc("stream_subscribers", "Open realtime subscriptions.", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "floorline_heartbeats_total 1")
	assert.Contains(t, body, "floorline_stream_subscribers 3")
	assert.Contains(t, body, "go_goroutines")
}

func TestGaugeFuncReplacesEarlierSampler(t *testing.T) {
	m := New()
	m.GaugeFunc("stream_subscribers", "Open realtime subscriptions.", func() float64 { return 3 })
	require.NotPanics(t, func() {
		m.GaugeFunc("stream_subscribers", "Open realtime subscriptions.", func() float64 { return 5 })
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "floorline_stream_subscribers 5")
	assert.NotContains(t, body, "floorline_stream_subscribers 3")
}
