package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Session metrics
	StartAttempted(streamName string)
	StartSucceeded(streamName string, negotiation time.Duration)
	StartFailed(streamName, reason string)
	SessionStopped(streamName string)

	// Viewer metrics
	ViewerCount(streamID string, count int)
	SubscriptionError(streamID string)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) StartAttempted(string)                {}
func (Nop) StartSucceeded(string, time.Duration) {}
func (Nop) StartFailed(string, string)           {}
func (Nop) SessionStopped(string)                {}
func (Nop) ViewerCount(string, int)              {}
func (Nop) SubscriptionError(string)             {}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	startAttempts   *prometheus.CounterVec
	startFailures   *prometheus.CounterVec
	negotiationTime *prometheus.HistogramVec

	viewers            *prometheus.GaugeVec
	subscriptionErrors *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "publisher_active_sessions",
			Help: "Number of broadcast sessions currently active",
		}),

		startAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_start_attempts_total",
				Help: "Total number of broadcast start attempts",
			},
			[]string{"stream_name"},
		),

		startFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_start_failures_total",
				Help: "Total number of failed broadcast start attempts",
			},
			[]string{"stream_name", "reason"},
		),

		negotiationTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "publisher_negotiation_seconds",
				Help:    "Time from start to an applied remote description",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"stream_name"},
		),

		viewers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "publisher_viewer_count",
				Help: "Last viewer count reported for a stream",
			},
			[]string{"stream_id"},
		),

		subscriptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_viewer_subscription_errors_total",
				Help: "Total number of viewer count subscription errors",
			},
			[]string{"stream_id"},
		),
	}
}

func (c *PrometheusCollector) StartAttempted(streamName string) {
	c.startAttempts.WithLabelValues(streamName).Inc()
}

func (c *PrometheusCollector) StartSucceeded(streamName string, negotiation time.Duration) {
	c.activeSessions.Inc()
	c.negotiationTime.WithLabelValues(streamName).Observe(negotiation.Seconds())
}

func (c *PrometheusCollector) StartFailed(streamName, reason string) {
	c.startFailures.WithLabelValues(streamName, reason).Inc()
}

func (c *PrometheusCollector) SessionStopped(string) {
	c.activeSessions.Dec()
}

func (c *PrometheusCollector) ViewerCount(streamID string, count int) {
	c.viewers.WithLabelValues(streamID).Set(float64(count))
}

func (c *PrometheusCollector) SubscriptionError(streamID string) {
	c.subscriptionErrors.WithLabelValues(streamID).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
