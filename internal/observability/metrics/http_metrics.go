package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics exposes Prometheus request metrics for the HTTP surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers request metrics on the default registry.
func NewHTTPMetrics(cfg Config) (*HTTPMetrics, error) {
	return newHTTPMetrics(prometheus.DefaultRegisterer, cfg)
}

func newHTTPMetrics(registerer prometheus.Registerer, cfg Config) (*HTTPMetrics, error) {
	constLabels := prometheus.Labels{"service": strings.TrimSpace(cfg.ServiceName)}
	if constLabels["service"] == "" {
		constLabels["service"] = "waterstats"
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waterstats_http_requests_total",
		Help:        "Counts HTTP requests by method, route and status.",
		ConstLabels: constLabels,
	}, []string{"method", "route", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "waterstats_http_request_duration_seconds",
		Help:        "HTTP request latency per route.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"method", "route"})

	for _, c := range []prometheus.Collector{requests, duration} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return &HTTPMetrics{requests: requests, duration: duration}, nil
}

// GinMiddleware records request count and latency by route template.
func (m *HTTPMetrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
