package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.MessagesSent.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesSent))
}

func TestSetBreakerState(t *testing.T) {
	m := New()
	m.SetBreakerState(gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StorageBreakerState))
	m.SetBreakerState(gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StorageBreakerState))
}

func TestHandler_ExposesNamespacedSeries(t *testing.T) {
	m := New()
	m.InboundEvents.WithLabelValues("send", "ok").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `chatwire_inbound_events_total{outcome="ok",type="send"} 1`))
}
