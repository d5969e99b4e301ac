package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchSource identifies where an intercepted response came from.
type FetchSource string

const (
	// FetchSourceNetwork indicates a live origin response.
	FetchSourceNetwork FetchSource = "network"
	// FetchSourceCache indicates a stored response for the same request.
	FetchSourceCache FetchSource = "cache"
	// FetchSourceFallback indicates the stored offline document.
	FetchSourceFallback FetchSource = "fallback"
	// FetchSourceUnavailable indicates the synthesized unavailable document.
	FetchSourceUnavailable FetchSource = "unavailable"
	// FetchSourcePassthrough indicates a non-GET request forwarded untouched.
	FetchSourcePassthrough FetchSource = "passthrough"
)

// CacheOperation identifies the storage method being instrumented.
type CacheOperation string

const (
	CacheOperationMatch  CacheOperation = "match"
	CacheOperationPut    CacheOperation = "put"
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult captures the result of a storage operation.
type CacheResult string

const (
	CacheResultHit    CacheResult = "hit"
	CacheResultMiss   CacheResult = "miss"
	CacheResultStored CacheResult = "stored"
	CacheResultOK     CacheResult = "ok"
	CacheResultError  CacheResult = "error"
)

// Recorder publishes Prometheus metrics for interceptor activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	lifecycleEvents *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlineshim",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Total intercepted requests by response source.",
	}, []string{"source", "method", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlineshim",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlineshim",
		Subsystem: "worker",
		Name:      "lifecycle_events_total",
		Help:      "Install and activate runs by worker version and result.",
	}, []string{"event", "version", "result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlineshim",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache storage operations executed by the interceptor.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlineshim",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache storage operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	reg.MustRegister(fetchRequests, fetchLatency, lifecycleEvents, cacheOperations, cacheLatency)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		lifecycleEvents: lifecycleEvents,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the source, status and latency of an intercepted request.
func (r *Recorder) ObserveFetch(source FetchSource, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(string(source))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(sourceLabel, normalizeLabel(strings.ToUpper(method)), statusLabel).Inc()
	r.fetchLatency.WithLabelValues(sourceLabel).Observe(duration.Seconds())
}

// ObserveLifecycle records an install or activate run.
func (r *Recorder) ObserveLifecycle(event, version string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.lifecycleEvents.WithLabelValues(normalizeLabel(event), normalizeLabel(version), result).Inc()
}

// ObserveCache records the result of a storage operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resLabel := normalizeLabel(string(result))
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
