// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for the proxy. Both are optional; the manager degrades to
// no-ops when a feature is disabled so callers never nil-check.
package observability

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
)

// Manager coordinates all observability features
type Manager struct {
	logger  *zap.SugaredLogger
	cfg     *config.TelemetryConfig
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a new observability manager
func NewManager(cfg *config.TelemetryConfig, version string, logger *zap.SugaredLogger) (*Manager, error) {
	manager := &Manager{
		logger:    logger,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if cfg.MetricsEnabled {
		manager.metrics = NewMetricsManager(logger)
		logger.Info("Prometheus metrics enabled")
	}

	// The tracing manager no-ops internally when tracing is disabled.
	tracing, err := NewTracingManager(cfg, version, logger)
	if err != nil {
		return nil, err
	}
	manager.tracing = tracing

	return manager, nil
}

// Metrics returns the metrics manager, nil when metrics are disabled
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// Tracing returns the tracing manager
func (m *Manager) Tracing() *TracingManager {
	return m.tracing
}

// HTTPMiddleware returns combined HTTP middleware for observability
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	middlewares := make([]func(http.Handler) http.Handler, 0)

	if m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware())
	}
	if m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// MetricsHandler returns the /metrics handler, nil when metrics are disabled
func (m *Manager) MetricsHandler() http.Handler {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.Handler()
}

// UpdateMetrics refreshes gauges derived from process state
func (m *Manager) UpdateMetrics() {
	if m.metrics == nil {
		return
	}

	m.metrics.SetUptime(m.startTime)
}

// Close gracefully shuts down observability components
func (m *Manager) Close(ctx context.Context) error {
	if m.tracing != nil {
		if err := m.tracing.Close(ctx); err != nil {
			m.logger.Errorw("Failed to close tracing manager", "error", err)
			return err
		}
	}
	return nil
}

// RecordToolCall is a convenience method to record tool call metrics and tracing
func (m *Manager) RecordToolCall(ctx context.Context, serverName, toolName string, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}

	if m.metrics != nil {
		m.metrics.RecordToolCall(serverName, toolName, status, duration)
	}

	if m.tracing != nil && err != nil {
		m.tracing.SetSpanError(ctx, err)
	}
}

// RecordAuditDelivery counts one audit intake delivery attempt.
// Implements the delivery metrics sink of the audit dispatcher.
func (m *Manager) RecordAuditDelivery(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordAuditDelivery(outcome)
	}
}

// RecordOBOExchange counts one on-behalf-of token exchange
func (m *Manager) RecordOBOExchange(err error) {
	if m.metrics == nil {
		return
	}

	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.metrics.RecordOBOExchange(status)
}

// SetProviderStats updates the provider state gauges
func (m *Manager) SetProviderStats(byState map[string]int) {
	if m.metrics != nil {
		m.metrics.SetProviderStats(byState)
	}
}

// SetToolsTotal sets the aggregated tool count
func (m *Manager) SetToolsTotal(total int) {
	if m.metrics != nil {
		m.metrics.SetToolsTotal(total)
	}
}

// SetUserSessions sets the live per-user session count
func (m *Manager) SetUserSessions(count int) {
	if m.metrics != nil {
		m.metrics.SetUserSessions(count)
	}
}

// SetIndexSize sets the search index document count
func (m *Manager) SetIndexSize(size uint64) {
	if m.metrics != nil {
		m.metrics.SetIndexSize(size)
	}
}
