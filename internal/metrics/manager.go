package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// Object Metrics
	RecordObjectOperation(operation string, success bool, objectSize int64, duration time.Duration)

	// Access Control Metrics
	RecordValidation(success bool)
	RecordAccessDenied(reason string)
	RecordQuotaRejection(kind string)
	RecordTokenValidation(success bool)

	// Export
	GetMetricsHandler() http.Handler

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	objectOperationsTotal   *prometheus.CounterVec
	objectOperationDuration *prometheus.HistogramVec
	objectSizeBytes         *prometheus.HistogramVec
	objectBytesTotal        *prometheus.CounterVec

	validationsTotal      *prometheus.CounterVec
	accessDeniedTotal     *prometheus.CounterVec
	quotaRejectionsTotal  *prometheus.CounterVec
	tokenValidationsTotal *prometheus.CounterVec
}

// NewManager creates a new metrics manager with its own registry. Pass
// enabled=false to get a no-op manager.
func NewManager(enabled bool) Manager {
	if !enabled {
		return &noopManager{}
	}

	const namespace = "fileharbor"

	registry := prometheus.NewRegistry()
	m := &metricsManager{registry: registry}

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.objectOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "operations_total",
			Help:      "Total number of object store operations",
		},
		[]string{"operation", "status"},
	)

	m.objectOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "operation_duration_seconds",
			Help:      "Object store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.objectSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "size_bytes",
			Help:      "Object payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8), // 1KB to 16GB
		},
		[]string{"operation"},
	)

	m.objectBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objects",
			Name:      "bytes_total",
			Help:      "Total payload bytes moved through the gateway",
		},
		[]string{"operation"},
	)

	m.validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "validations_total",
			Help:      "Total number of credential validations",
		},
		[]string{"status"},
	)

	m.accessDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "denied_total",
			Help:      "Total number of denied access checks",
		},
		[]string{"reason"},
	)

	m.quotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "quota_rejections_total",
			Help:      "Total number of writes rejected by quota enforcement",
		},
		[]string{"kind"},
	)

	m.tokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "token_validations_total",
			Help:      "Total number of bearer token validations",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.objectOperationsTotal,
		m.objectOperationDuration,
		m.objectSizeBytes,
		m.objectBytesTotal,
		m.validationsTotal,
		m.accessDeniedTotal,
		m.quotaRejectionsTotal,
		m.tokenValidationsTotal,
	)

	return m
}

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *metricsManager) RecordObjectOperation(operation string, success bool, objectSize int64, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.objectOperationsTotal.WithLabelValues(operation, status).Inc()
	m.objectOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if objectSize > 0 {
		m.objectSizeBytes.WithLabelValues(operation).Observe(float64(objectSize))
		m.objectBytesTotal.WithLabelValues(operation).Add(float64(objectSize))
	}
}

func (m *metricsManager) RecordValidation(success bool) {
	m.validationsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func (m *metricsManager) RecordAccessDenied(reason string) {
	m.accessDeniedTotal.WithLabelValues(reason).Inc()
}

func (m *metricsManager) RecordQuotaRejection(kind string) {
	m.quotaRejectionsTotal.WithLabelValues(kind).Inc()
}

func (m *metricsManager) RecordTokenValidation(success bool) {
	m.tokenValidationsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// GetMetricsHandler returns the Prometheus scrape handler
func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latencies per route
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// routeLabel keeps the path label low-cardinality by using the mux route
// template instead of the raw URL when available.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
