package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.CacheLookups.WithLabelValues("hit").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m1.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.CacheLookups.WithLabelValues("hit")))
}

func TestMetrics_ObserveRequest(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("browse", "200", 2*time.Second)
	m.ObserveRequest("browse", "200", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("browse", "200")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.ObserveRequest("browse", "500", time.Second) })
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.SessionsTotal.WithLabelValues("complete").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `render_sessions_total{outcome="complete"} 1`)
}
