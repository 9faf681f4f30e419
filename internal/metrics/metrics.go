// Package metrics exports stepwatch's own health as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tinytelemetry/stepwatch/internal/refresh"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stepwatch"

// Recorder implements aggregator.Recorder and refresh.Renderer.
type Recorder struct {
	gatherer prometheus.Gatherer

	polls      *prometheus.CounterVec
	fetched    *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	buffered   *prometheus.GaugeVec
	watermark  *prometheus.GaugeVec
	counters   *prometheus.GaugeVec
	counterErr *prometheus.CounterVec
	ticks      prometheus.Histogram
	notices    prometheus.Counter
	ingested   prometheus.Counter
	httpReqs   *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg. A nil reg
// uses a fresh private registry.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		gatherer: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Scope polls by result.",
		}, []string{"scope", "result"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_fetched_total",
			Help: "Timer records fetched from the data source.",
		}, []string{"scope"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_malformed_total",
			Help: "Timer records excluded from series because they failed to decode.",
		}, []string{"scope"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffer_points",
			Help: "Raw records held in memory per scope.",
		}, []string{"scope"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watermark_timestamp_seconds",
			Help: "Unix time of the last consumed record per scope.",
		}, []string{"scope"}),
		counters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "counter_value",
			Help: "Last observed value of each dashboard counter.",
		}, []string{"name"}),
		counterErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "counter_failures_total",
			Help: "Failed counter evaluations.",
		}, []string{"name"}),
		ticks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Time spent in one refresh tick.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		notices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_notices_total",
			Help: "Degradation notices raised by refresh ticks.",
		}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingested_status_updates_total",
			Help: "Status updates accepted over HTTP.",
		}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP API requests by route and status code.",
		}, []string{"path", "code"}),
	}
	reg.MustRegister(
		r.polls, r.fetched, r.malformed, r.buffered, r.watermark,
		r.counters, r.counterErr, r.ticks, r.notices, r.ingested, r.httpReqs,
	)
	return r
}

// PollSucceeded records a successful scope poll.
func (r *Recorder) PollSucceeded(scope string, fetched, malformed, buffered int, watermark time.Time) {
	r.polls.WithLabelValues(scope, "ok").Inc()
	r.fetched.WithLabelValues(scope).Add(float64(fetched))
	r.malformed.WithLabelValues(scope).Add(float64(malformed))
	r.buffered.WithLabelValues(scope).Set(float64(buffered))
	if !watermark.IsZero() {
		r.watermark.WithLabelValues(scope).Set(float64(watermark.UnixNano()) / 1e9)
	}
}

// PollFailed records a failed scope poll.
func (r *Recorder) PollFailed(scope string) {
	r.polls.WithLabelValues(scope, "error").Inc()
}

// CounterObserved records a counter value.
func (r *Recorder) CounterObserved(name string, value float64) {
	r.counters.WithLabelValues(name).Set(value)
}

// CounterFailed records a failed counter evaluation.
func (r *Recorder) CounterFailed(name string) {
	r.counterErr.WithLabelValues(name).Inc()
}

// Render observes tick timing and notices.
func (r *Recorder) Render(f refresh.Frame) {
	r.ticks.Observe(f.Took.Seconds())
	r.notices.Add(float64(len(f.Notices)))
}

// Ingested counts status updates accepted for insertion.
func (r *Recorder) Ingested(n int) {
	r.ingested.Add(float64(n))
}

// Middleware counts requests by route template and status code.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		r.httpReqs.WithLabelValues(path, fmt.Sprintf("%d", c.Writer.Status())).Inc()
	}
}

// Handler serves the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
