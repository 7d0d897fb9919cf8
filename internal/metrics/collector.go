// Package metrics exposes Prometheus metrics for provider calls and the web server.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjbernaski/threemodels/internal/core"
)

// Collector records provider and HTTP metrics on its own registry.
// It implements core.Observer.
type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerAttempts *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	streamClients prometheus.Gauge
}

// NewCollector registers every metric under namespace. Go runtime and
// process collectors are included.
func NewCollector(namespace string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(slog.String("component", "metrics")),

		providerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Completed provider calls by outcome.",
		}, []string{"provider", "mode", "status"}),

		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_response_seconds",
			Help:      "Provider response time including retries and backoff.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider", "mode"}),

		providerAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempts",
			Help:      "Attempts needed per provider call.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"provider"}),

		providerTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "direction"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "path", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		streamClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Connected live event stream clients.",
		}),
	}
}

// ObserveResult records one completed provider call.
func (c *Collector) ObserveResult(mode string, r core.Result) {
	status := "success"
	if !r.OK() {
		status = "failure"
	}
	c.providerRequests.WithLabelValues(r.Provider, mode, status).Inc()
	c.providerDuration.WithLabelValues(r.Provider, mode).Observe(r.ResponseTime)
	if r.Attempts > 0 {
		c.providerAttempts.WithLabelValues(r.Provider).Observe(float64(r.Attempts))
	}
	if r.Usage != nil {
		c.providerTokens.WithLabelValues(r.Provider, "input").Add(float64(r.Usage.InputTokens))
		c.providerTokens.WithLabelValues(r.Provider, "output").Add(float64(r.Usage.OutputTokens))
	}
	c.logger.Debug("recorded provider result", slog.String("provider", r.Provider), slog.String("status", status))
}

// RecordHTTPRequest records one served request. path should be the route
// pattern, not the raw URL, to bound label cardinality.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (c *Collector) StreamClientConnected()    { c.streamClients.Inc() }
func (c *Collector) StreamClientDisconnected() { c.streamClients.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

var _ core.Observer = (*Collector)(nil)
