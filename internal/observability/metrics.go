package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	OperationsTotal         *prometheus.CounterVec
	OperationDuration       *prometheus.HistogramVec
	WpsTransitionsTotal     *prometheus.CounterVec
	QualificationRejections *prometheus.CounterVec
	PqrTransitionsTotal     *prometheus.CounterVec

	// Weld and continuity metrics
	WeldClosuresTotal        prometheus.Counter
	ContinuityLogsTotal      prometheus.Counter
	ContinuityRecalculations *prometheus.CounterVec
	WeldersOutOfContinuity   prometheus.Gauge
	ContinuityBatchSize      prometheus.Histogram

	// Cache and infrastructure metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter
	AuditSinkFailuresTotal     *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weldqual_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weldqual_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weldqual_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_operations_total",
			Help: "Total number of engine operations by outcome code.",
		}, []string{"operation", "code"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weldqual_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		WpsTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_wps_transitions_total",
			Help: "Total number of WPS status transitions.",
		}, []string{"from", "to"}),
		QualificationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_qualification_rejections_total",
			Help: "Total number of WPS approvals rejected by the PQR qualification check.",
		}, []string{"code"}),
		PqrTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_pqr_transitions_total",
			Help: "Total number of PQR status transitions.",
		}, []string{"from", "to"}),

		// Welds and continuity
		WeldClosuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weldqual_weld_closures_total",
			Help: "Total number of welds closed.",
		}),
		ContinuityLogsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weldqual_continuity_logs_total",
			Help: "Total number of continuity log rows appended.",
		}),
		ContinuityRecalculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_continuity_recalculations_total",
			Help: "Total number of welder continuity recalculations by resulting status.",
		}, []string{"status"}),
		WeldersOutOfContinuity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weldqual_welders_out_of_continuity",
			Help: "Welders found out of continuity by the most recent batch recalculation.",
		}),
		ContinuityBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weldqual_continuity_batch_size",
			Help:    "Number of welders processed per batch recalculation.",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		}),

		// Cache and infrastructure
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weldqual_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weldqual_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weldqual_idempotency_replays_total",
			Help: "Total responses replayed from the idempotency store.",
		}),
		AuditSinkFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weldqual_audit_sink_failures_total",
			Help: "Total audit events a sink failed to record.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.OperationsTotal,
		m.OperationDuration,
		m.WpsTransitionsTotal,
		m.QualificationRejections,
		m.PqrTransitionsTotal,
		m.WeldClosuresTotal,
		m.ContinuityLogsTotal,
		m.ContinuityRecalculations,
		m.WeldersOutOfContinuity,
		m.ContinuityBatchSize,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		m.AuditSinkFailuresTotal,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is a no-op on a nil *Metrics.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOperation records one engine operation. code is "OK" on success or
// the envelope code of the returned error.
func (m *Metrics) RecordOperation(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, code).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWpsTransition records a WPS status change.
func (m *Metrics) RecordWpsTransition(from, to string) {
	if m == nil {
		return
	}
	m.WpsTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordQualificationRejection records an approval rejected by the PQR check.
func (m *Metrics) RecordQualificationRejection(code string) {
	if m == nil {
		return
	}
	m.QualificationRejections.WithLabelValues(code).Inc()
}

// RecordPqrTransition records a PQR status change.
func (m *Metrics) RecordPqrTransition(from, to string) {
	if m == nil {
		return
	}
	m.PqrTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordWeldClosure records a closed weld and the continuity logs it appended.
func (m *Metrics) RecordWeldClosure(logs int) {
	if m == nil {
		return
	}
	m.WeldClosuresTotal.Inc()
	m.ContinuityLogsTotal.Add(float64(logs))
}

// RecordContinuityRecalculation records a single welder recalculation.
func (m *Metrics) RecordContinuityRecalculation(status string) {
	if m == nil {
		return
	}
	m.ContinuityRecalculations.WithLabelValues(status).Inc()
}

// RecordContinuityBatch records the outcome of a batch recalculation.
func (m *Metrics) RecordContinuityBatch(processed, outOfContinuity int) {
	if m == nil {
		return
	}
	m.ContinuityBatchSize.Observe(float64(processed))
	m.WeldersOutOfContinuity.Set(float64(outOfContinuity))
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordAuditSinkFailure records an audit event a sink could not record.
func (m *Metrics) RecordAuditSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.AuditSinkFailuresTotal.WithLabelValues(sink).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
