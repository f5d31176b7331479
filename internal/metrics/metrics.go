// Package metrics exposes Prometheus collectors for the media pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Metrics struct {
	registry        *prometheus.Registry
	ingestTotal     *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	cleanupFailures prometheus.Counter
	sweptTotal      prometheus.Counter
	requests        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_ingest_total",
			Help: "Ingestion pipeline runs by operation and result.",
		}, []string{"op", "result"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_ingest_duration_seconds",
			Help:    "Ingestion pipeline duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_cleanup_failures_total",
			Help: "Best-effort file deletions that failed.",
		}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_swept_total",
			Help: "Assets moved to error after being stuck in processing.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestTotal, m.ingestDuration, m.cleanupFailures, m.sweptTotal, m.requests,
	)
	return m
}

// ObserveIngest records one pipeline run. Safe on a nil receiver.
func (m *Metrics) ObserveIngest(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.ingestTotal.WithLabelValues(op, result).Inc()
	m.ingestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CleanupFailed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cleanupFailures.Add(float64(n))
}

func (m *Metrics) Swept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweptTotal.Add(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware counts requests by matched route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
