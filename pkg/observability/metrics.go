package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthAttemptsTotal *prometheus.CounterVec
	TokensIssuedTotal *prometheus.CounterVec

	// POSIX administration metrics
	PosixCommandsTotal  *prometheus.CounterVec
	DeferredQueueLength prometheus.Gauge

	// Module registry cache metrics
	RegistryCacheHits   prometheus.Counter
	RegistryCacheMisses prometheus.Counter

	// Health sampler metrics
	CPULoad        prometheus.Gauge
	RAMFreeBytes   prometheus.Gauge
	SwapFreeBytes  prometheus.Gauge
	DiskFreeBytes  *prometheus.GaugeVec
	NetworkBytes   *prometheus.GaugeVec
	Temperatures   *prometheus.GaugeVec
	SamplesTotal   *prometheus.CounterVec
	ChildRestarts  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corefacility_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corefacility_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corefacility_auth_attempts_total",
				Help: "Authorization attempts by module and outcome",
			},
			[]string{"module", "outcome"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corefacility_tokens_issued_total",
				Help: "Bearer tokens issued by module",
			},
			[]string{"module"},
		),
		PosixCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corefacility_posix_commands_total",
				Help: "POSIX commands by action, method and outcome",
			},
			[]string{"action", "method", "outcome"},
		),
		DeferredQueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "corefacility_deferred_commands_pending",
				Help: "Deferred commands waiting for the administration daemon",
			},
		),
		RegistryCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "corefacility_registry_cache_hits_total",
				Help: "Module registry cache hits",
			},
		),
		RegistryCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "corefacility_registry_cache_misses_total",
				Help: "Module registry cache misses",
			},
		),
		CPULoad: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "corefacility_health_cpu_load",
				Help: "One-minute CPU load average at the last sample",
			},
		),
		RAMFreeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "corefacility_health_ram_free_bytes",
				Help: "Available RAM at the last sample",
			},
		),
		SwapFreeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "corefacility_health_swap_free_bytes",
				Help: "Free swap at the last sample",
			},
		),
		DiskFreeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corefacility_health_disk_free_bytes",
				Help: "Free disk space per mount point at the last sample",
			},
			[]string{"mount"},
		),
		NetworkBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corefacility_health_network_bytes",
				Help: "Network bytes counters at the last sample",
			},
			[]string{"direction"},
		),
		Temperatures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corefacility_health_temperature_celsius",
				Help: "Sensor temperatures at the last sample",
			},
			[]string{"sensor"},
		),
		SamplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corefacility_health_samples_total",
				Help: "Health samples taken by outcome",
			},
			[]string{"outcome"},
		),
		ChildRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corefacility_supervisor_restarts_total",
				Help: "Child process restarts by child and reason",
			},
			[]string{"child", "reason"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.TokensIssuedTotal,
		m.PosixCommandsTotal,
		m.DeferredQueueLength,
		m.RegistryCacheHits,
		m.RegistryCacheMisses,
		m.CPULoad,
		m.RAMFreeBytes,
		m.SwapFreeBytes,
		m.DiskFreeBytes,
		m.NetworkBytes,
		m.Temperatures,
		m.SamplesTotal,
		m.ChildRestarts,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and durations. The path label
// is the route template so that ids do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := "unmatched"
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint exposes the registry on /metrics
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
