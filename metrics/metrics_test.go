package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "hub_test")

	p.StateTransition("IN_QUEUE", "PROCESSING")
	p.StateTransition("IN_QUEUE", "PROCESSING")
	p.Throttled("CRM", "customer")
	p.Repaired("processing", 3)
	p.Repaired("retry", 0)
	p.QueueDepth("main", 4)
	p.ProcessingLatency("setCustomer", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.transitions.WithLabelValues("IN_QUEUE", "PROCESSING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.throttled.WithLabelValues("CRM", "customer")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.repaired.WithLabelValues("processing")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.queueDepth.WithLabelValues("main")))
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	p := NewPrometheus(nil, "")
	p.Confirmation("ok")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `hub_confirmations_total{outcome="ok"} 1`))
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, Noop{}, OrNoop(nil))
	p := NewPrometheus(nil, "")
	assert.Same(t, p, OrNoop(p))
}
