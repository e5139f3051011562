package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"sasi-cats/internal/metrics"
)

// metricsResponseWriter records the status the handler chose.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{w, http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// MetricsConfig holds configuration for the metrics middleware
type MetricsConfig struct {
	// SkipPaths are prefixes that are not recorded at all
	SkipPaths []string
	// StreamPaths are counted but kept out of the latency histogram; a
	// movie stream lasts as long as the movie.
	StreamPaths []string
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		SkipPaths:   []string{"/metrics", "/health", "/healthz", "/livez", "/readyz"},
		StreamPaths: []string{"/stream/"},
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Metrics returns a middleware that records request counts and latency.
func Metrics(config MetricsConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasAnyPrefix(r.URL.Path, config.SkipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			wrapped := newMetricsResponseWriter(w)
			start := time.Now()
			next.ServeHTTP(wrapped, r)

			path := normalizePath(r.URL.Path)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			if !hasAnyPrefix(r.URL.Path, config.StreamPaths) {
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			}
		})
	}
}

// normalizePath collapses cache keys and other dynamic segments so that
// label cardinality stays bounded.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return path
	}

	switch parts[1] {
	case "stream", "play":
		parts[2] = "{key}"
		return strings.Join(parts[:3], "/")
	case "api":
		if parts[2] == "jobs" && len(parts) > 3 && parts[3] != "" {
			parts[3] = "{key}"
		}
	}

	if len(parts) > 5 {
		parts[5] = "{path}"
		return strings.Join(parts[:6], "/")
	}
	return strings.Join(parts, "/")
}
