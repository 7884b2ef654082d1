package observability

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: umamisso).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "umamisso",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// UMAMISSO_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()

	if v := os.Getenv("UMAMISSO_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Login outcomes reported by RecordLogin.
const (
	LoginSuccess     = "success"
	LoginProvisioned = "provisioned"
	LoginRejected    = "rejected"
	LoginError       = "error"
)

// Metrics holds the application's Prometheus collectors. All methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	rateLimit         *prometheus.CounterVec

	logins           *prometheus.CounterVec
	discoveryFetches *prometheus.CounterVec
	teamGrants       prometheus.Counter
	teamSyncErrors   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a private
// registry. Callers that honor cfg.Enabled pass a nil *Metrics around
// instead of calling this.
func NewMetrics(cfg MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultMetricsConfig().Namespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_active_connections",
			Help:      "Number of in-flight HTTP requests",
		}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limit_requests_total",
			Help:      "Rate limiter decisions",
		}, []string{"decision"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "oidc_logins_total",
			Help:      "OIDC login attempts by outcome",
		}, []string{"outcome"}),
		discoveryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "oidc_discovery_fetches_total",
			Help:      "Discovery document fetches by result",
		}, []string{"result"}),
		teamGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "team_sync_grants_total",
			Help:      "Team memberships granted by claim mapping rules",
		}),
		teamSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "team_sync_errors_total",
			Help:      "Errors encountered while applying team mapping rules",
		}),
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "info",
		Help:        "Application information",
		ConstLabels: prometheus.Labels{"version": cfg.Version},
	})
	info.Set(1)

	m.registry.MustRegister(
		info,
		m.httpRequests,
		m.httpDuration,
		m.activeConnections,
		m.rateLimit,
		m.logins,
		m.discoveryFetches,
		m.teamGrants,
		m.teamSyncErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request with its method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	path = normalizePath(path)
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLimitAllowed() {
	if m != nil {
		m.rateLimit.WithLabelValues("allowed").Inc()
	}
}

func (m *Metrics) RecordRateLimitRejected() {
	if m != nil {
		m.rateLimit.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) IncrementActiveConnections() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) DecrementActiveConnections() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

// RecordLogin counts one login attempt. outcome is one of the Login* constants.
func (m *Metrics) RecordLogin(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

// RecordDiscoveryFetch counts a network fetch of the discovery document.
// Cache hits are not counted.
func (m *Metrics) RecordDiscoveryFetch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.discoveryFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTeamGrant() {
	if m != nil {
		m.teamGrants.Inc()
	}
}

func (m *Metrics) RecordTeamSyncError() {
	if m != nil {
		m.teamSyncErrors.Inc()
	}
}

// normalizePath normalizes URL paths to reduce cardinality.
// It replaces numeric IDs and UUIDs with {id} placeholders.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Handler returns an http.Handler that serves Prometheus-format metrics.
// A nil *Metrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the underlying ResponseWriter for compatibility with
// http.ResponseController and other wrapping utilities.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type metricsContextKeyType string

const metricsContextKey metricsContextKeyType = "metrics"

// WithMetrics adds Metrics to the context.
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, metricsContextKey, m)
}

// GetMetrics extracts Metrics from context if present.
func GetMetrics(ctx context.Context) *Metrics {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(metricsContextKey).(*Metrics)
	return m
}
