package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameReceived("ItemStateChangedEvent")
	m.ParseError()
	m.Command("Update", errors.New("boom"))
	m.SetConnected(true)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.FrameReceived("ItemStateChangedEvent")
	m.FrameReceived("ItemStateChangedEvent")
	m.Command("Command", nil)
	m.Command("Command", errors.New("Not found"))
	m.TriggerFired("hall")
	m.SetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("ItemStateChangedEvent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("Command", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("Command", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fires.WithLabelValues("hall")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Reconnect()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ohbridge_stream_reconnects_total 1")
}
