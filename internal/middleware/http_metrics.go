package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded under their literal path.
var staticRoutes = map[string]bool{
	"/":                     true,
	"/audit/events":         true,
	"/audit/scopes":         true,
	"/audit/bundles/verify": true,
	"/health":               true,
	"/ready":                true,
	"/metrics":              true,
}

// scopeActions are the fixed suffixes below /audit/scopes/{scope}.
var scopeActions = map[string]bool{
	"entries": true,
	"head":    true,
	"verify":  true,
	"export":  true,
	"stream":  true,
}

// normalizePath maps request paths onto route patterns so scope IDs, sequence
// numbers and actor IDs do not become metric label values. Unknown paths
// collapse to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "audit" || parts[2] == "" {
		return "other"
	}

	switch parts[1] {
	case "scopes":
		switch {
		case len(parts) == 3:
			return "/audit/scopes/{scope}"
		case len(parts) == 4 && scopeActions[parts[3]]:
			return "/audit/scopes/{scope}/" + parts[3]
		case len(parts) == 5 && parts[3] == "entries" && parts[4] != "":
			return "/audit/scopes/{scope}/entries/{sequence}"
		}
	case "actors":
		if len(parts) == 4 && parts[3] == "events" {
			return "/audit/actors/{actor}/events"
		}
	}
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Flush lets streamed exports reach the client while metrics are recorded.
func (mrw *metricsResponseWriter) Flush() {
	if f, ok := mrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records request duration, request and
// response sizes and request counts. Health endpoints and websocket streams
// are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" || strings.HasSuffix(r.URL.Path, "/stream") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
