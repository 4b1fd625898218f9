// Package middleware provides HTTP middleware components for the KiroGate API server.
// This file contains Prometheus metrics middleware for observability.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gin context keys the metrics middleware reads after the handler ran.
const (
	CtxCredentialKind = "credential_kind"
	CtxModel          = "model"
	CtxInputTokens    = "input_tokens"
	CtxOutputTokens   = "output_tokens"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirogate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpRequestSizeBytes tracks the size of HTTP request bodies.
	httpRequestSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirogate_http_request_size_bytes",
			Help:    "Size of HTTP request bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// httpResponseSizeBytes tracks the size of HTTP response bodies.
	httpResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirogate_http_response_size_bytes",
			Help:    "Size of HTTP response bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks the number of currently active connections.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kirogate_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	// activeConnectionsCount provides atomic access to the connection count.
	activeConnectionsCount int64

	// upstreamRequestsTotal counts dispatched upstream requests by credential
	// kind and terminal outcome.
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_upstream_requests_total",
			Help: "Total upstream requests grouped by credential kind and outcome",
		},
		[]string{"kind", "model", "outcome"},
	)

	// apiRequestErrors counts request errors by type.
	apiRequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_api_errors_total",
			Help: "Total number of API request errors",
		},
		[]string{"error_type", "kind"},
	)

	// tokenUsage tracks token usage reported by upstream responses.
	tokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogate_token_usage_total",
			Help: "Total tokens consumed by proxied requests",
		},
		[]string{"kind", "model", "type"}, // type: input or output
	)

	// metricsRegistered ensures metrics are only registered once.
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestSizeBytes,
		httpResponseSizeBytes,
		activeConnections,
		upstreamRequestsTotal,
		apiRequestErrors,
		tokenUsage,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects Prometheus metrics
// for HTTP requests including request count, duration, and active connections.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		// Skip metrics endpoint to avoid self-referential metrics
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		atomic.AddInt64(&activeConnectionsCount, 1)
		activeConnections.Inc()
		defer func() {
			atomic.AddInt64(&activeConnectionsCount, -1)
			activeConnections.Dec()
		}()

		// Normalize path for metrics to avoid high cardinality
		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method

		if c.Request.ContentLength > 0 {
			httpRequestSizeBytes.WithLabelValues(method, path).Observe(float64(c.Request.ContentLength))
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(duration)

		if responseSize := c.Writer.Size(); responseSize > 0 {
			httpResponseSizeBytes.WithLabelValues(method, path).Observe(float64(responseSize))
		}

		// Token accounting attached by the orchestrator, when present.
		kind := c.GetString(CtxCredentialKind)
		model := c.GetString(CtxModel)
		if kind != "" {
			if tokens := tokenCount(c, CtxInputTokens); tokens > 0 {
				tokenUsage.WithLabelValues(kind, model, "input").Add(float64(tokens))
			}
			if tokens := tokenCount(c, CtxOutputTokens); tokens > 0 {
				tokenUsage.WithLabelValues(kind, model, "output").Add(float64(tokens))
			}
		}

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			if kind == "" {
				kind = "none"
			}
			apiRequestErrors.WithLabelValues(errorType, kind).Inc()
		}
	}
}

func tokenCount(c *gin.Context, key string) int64 {
	v, ok := c.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// normalizePath normalizes URL paths to prevent high cardinality in metrics.
// It replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	switch {
	case path == "/":
		return "/"
	case path == "/health":
		return "/health"
	case path == "/metrics":
		return "/metrics"
	case path == "/v1/models":
		return "/v1/models"
	case path == "/v1/messages":
		return "/v1/messages"
	case path == "/v1/messages/count_tokens":
		return "/v1/messages/count_tokens"
	case path == "/cc/v1/messages":
		return "/cc/v1/messages"
	case strings.HasPrefix(path, "/user/api/tokens"):
		return "/user/api/tokens/*"
	case strings.HasPrefix(path, "/user/api/custom-apis"):
		return "/user/api/custom-apis/*"
	case strings.HasPrefix(path, "/admin/api/"):
		return "/admin/api/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// GetActiveConnections returns the current number of active connections.
func GetActiveConnections() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// RecordUpstreamRequest records one terminal upstream outcome, "success" or "fail".
func RecordUpstreamRequest(kind, model, outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	RegisterMetrics()
	upstreamRequestsTotal.WithLabelValues(kind, model, outcome).Inc()
}

// RecordTokenUsage records token usage for a proxied request.
// tokenType should be either "input" or "output".
func RecordTokenUsage(kind, model, tokenType string, tokens int64) {
	if !IsMetricsEnabled() {
		return
	}
	if tokens > 0 {
		RegisterMetrics()
		tokenUsage.WithLabelValues(kind, model, tokenType).Add(float64(tokens))
	}
}

// RecordAPIError records an API error bucketed by a coarse error type.
func RecordAPIError(errorType, kind string) {
	if !IsMetricsEnabled() {
		return
	}
	RegisterMetrics()
	apiRequestErrors.WithLabelValues(errorType, kind).Inc()
}
