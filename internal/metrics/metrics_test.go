package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveIngest("ingest", time.Now(), nil)
		m.CleanupFailed(3)
		m.Swept(1)
	})
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveIngest("ingest", time.Now(), nil)
	m.ObserveIngest("ingest", time.Now(), errors.New("boom"))
	m.ObserveIngest("replace", time.Now(), nil)
	m.CleanupFailed(2)
	m.CleanupFailed(0)
	m.Swept(4)

	require.Equal(t, 1.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues("ingest", ResultOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues("ingest", ResultError)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.cleanupFailures))
	require.Equal(t, 4.0, testutil.ToFloat64(m.sweptTotal))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })
	r.GET("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/items/:id", "418")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "unmatched", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "media_swept_total")
}
