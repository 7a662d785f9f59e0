package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the Prometheus collectors scraped from /metrics.
type HTTPMetrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	streamDuration *prometheus.HistogramVec
	streamUsage    *prometheus.HistogramVec
}

// NewHTTPMetrics registers request and stream collectors with reg.
func NewHTTPMetrics(reg prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenvault_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenvault_stream_duration_seconds",
			Help:    "Wall time of proxied AI streams by final state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"app", "state"}),
		streamUsage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenvault_stream_usage_tokens",
			Help:    "Usage reported by completed AI streams.",
			Buckets: prometheus.ExponentialBuckets(16, 2, 12),
		}, []string{"app"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.duration, m.streamDuration, m.streamUsage} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveStream records the outcome of one proxied stream.
func (m *HTTPMetrics) ObserveStream(app, state string, elapsed time.Duration, usage int64) {
	if m == nil {
		return
	}
	m.streamDuration.WithLabelValues(app, state).Observe(elapsed.Seconds())
	if usage > 0 {
		m.streamUsage.WithLabelValues(app).Observe(float64(usage))
	}
}

// GinMiddleware records request counts and latency per route template.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
