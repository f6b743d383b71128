package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status label values shared by the tool-call and exchange counters.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// providerStateNames fixes the label set for the per-state gauge so
// states a snapshot no longer contains reset to zero.
var providerStateNames = []string{"stopped", "starting", "running", "failed"}

// MetricsManager owns the Prometheus registry and every metric the
// proxy exposes on /metrics.
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime          prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	providersTotal  prometheus.Gauge
	providerStates  *prometheus.GaugeVec
	toolsTotal      prometheus.Gauge
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	auditDeliveries *prometheus.CounterVec
	oboExchanges    *prometheus.CounterVec
	userSessions    prometheus.Gauge
	indexSize       prometheus.Gauge
}

// NewMetricsManager creates a metrics manager with its own registry.
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpproxy_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpproxy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpproxy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.providersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpproxy_providers_total",
		Help: "Total number of registered tool providers",
	})

	mm.providerStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpproxy_providers",
			Help: "Number of tool providers per lifecycle state",
		},
		[]string{"state"},
	)

	mm.toolsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpproxy_tools_total",
		Help: "Total number of available tools",
	})

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpproxy_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpproxy_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)

	mm.auditDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpproxy_audit_deliveries_total",
			Help: "Audit intake delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	mm.oboExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpproxy_obo_exchanges_total",
			Help: "On-behalf-of token exchanges by outcome",
		},
		[]string{"status"},
	)

	mm.userSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpproxy_user_sessions_active",
		Help: "Number of live per-user provider sessions",
	})

	mm.indexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpproxy_index_documents_total",
		Help: "Number of documents in the tool search index",
	})
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.providersTotal,
		mm.providerStates,
		mm.toolsTotal,
		mm.toolCalls,
		mm.toolDuration,
		mm.auditDeliveries,
		mm.oboExchanges,
		mm.userSessions,
		mm.indexSize,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetUptime sets the uptime metric.
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records one served HTTP request.
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetProviderStats updates the provider gauges from a status snapshot.
func (mm *MetricsManager) SetProviderStats(byState map[string]int) {
	total := 0
	for _, state := range providerStateNames {
		count := byState[state]
		mm.providerStates.WithLabelValues(state).Set(float64(count))
		total += count
	}
	mm.providersTotal.Set(float64(total))
}

// SetToolsTotal sets the aggregated tool count.
func (mm *MetricsManager) SetToolsTotal(total int) {
	mm.toolsTotal.Set(float64(total))
}

// RecordToolCall records one routed tool call.
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// RecordAuditDelivery counts one audit intake delivery attempt.
func (mm *MetricsManager) RecordAuditDelivery(outcome string) {
	mm.auditDeliveries.WithLabelValues(outcome).Inc()
}

// RecordOBOExchange counts one token exchange attempt.
func (mm *MetricsManager) RecordOBOExchange(status string) {
	mm.oboExchanges.WithLabelValues(status).Inc()
}

// SetUserSessions sets the live per-user session count.
func (mm *MetricsManager) SetUserSessions(count int) {
	mm.userSessions.Set(float64(count))
}

// SetIndexSize sets the search index document count.
func (mm *MetricsManager) SetIndexSize(size uint64) {
	mm.indexSize.Set(float64(size))
}

// Registry exposes the registry for custom metrics.
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// HTTPMiddleware returns middleware that records HTTP metrics.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), duration)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
