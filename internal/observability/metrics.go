package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec

	iterationsTotal     *prometheus.CounterVec
	recognitionDuration *prometheus.HistogramVec
	correctionDuration  *prometheus.HistogramVec
	breakerOpen         prometheus.Gauge
	staleCompletions    *prometheus.CounterVec
	framesSubmitted     prometheus.Counter
	emitterPublishes    *prometheus.CounterVec
}

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenscribe_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lenscribe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenscribe_upstream_requests_total",
				Help: "Total upstream OpenAI-compatible API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lenscribe_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenscribe_pipeline_iterations_total",
				Help: "Pipeline iterations by outcome.",
			},
			[]string{"outcome"},
		),
		recognitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lenscribe_recognition_duration_seconds",
				Help:    "Time the pipeline waited on text recognition.",
				Buckets: latencyBuckets,
			},
			[]string{"ok"},
		),
		correctionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lenscribe_correction_duration_seconds",
				Help:    "Time the pipeline waited on text correction.",
				Buckets: latencyBuckets,
			},
			[]string{"outcome"},
		),
		breakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lenscribe_breaker_open",
				Help: "1 while the correction circuit breaker is open.",
			},
		),
		staleCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenscribe_stale_completions_total",
				Help: "External call completions discarded because their iteration had moved on.",
			},
			[]string{"call"},
		),
		framesSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lenscribe_frames_submitted_total",
				Help: "Frames written by producers.",
			},
		),
		emitterPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lenscribe_emitter_publish_total",
				Help: "MQTT result publications by status.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.iterationsTotal,
		m.recognitionDuration,
		m.correctionDuration,
		m.breakerOpen,
		m.staleCompletions,
		m.framesSubmitted,
		m.emitterPublishes,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveIteration(outcome string) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRecognition(ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.recognitionDuration.WithLabelValues(strconv.FormatBool(ok)).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCorrection(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.correctionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

func (m *Metrics) IncStaleCompletion(call string) {
	if m == nil {
		return
	}
	m.staleCompletions.WithLabelValues(call).Inc()
}

func (m *Metrics) IncFramesSubmitted() {
	if m == nil {
		return
	}
	m.framesSubmitted.Inc()
}

func (m *Metrics) IncEmitterPublish(status string) {
	if m == nil {
		return
	}
	m.emitterPublishes.WithLabelValues(status).Inc()
}
