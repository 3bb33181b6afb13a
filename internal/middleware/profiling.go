package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingPathPrefix is where the pprof handlers are mounted.
const ProfilingPathPrefix = "/debug/pprof"

// ProfilingConfig configures the Profiling middleware.
type ProfilingConfig struct {
	// Enabled exposes the pprof endpoints.
	Enabled bool
	// Environment is the deployment environment. Profiling is refused in
	// "production" and "prod" even when Enabled is set.
	Environment string
	Logger      *slog.Logger
}

// profilingAllowed reports whether pprof may be served in env.
func profilingAllowed(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return false
	}
	return true
}

// Profiling serves net/http/pprof under /debug/pprof/ for diagnosing slow
// appends and long verification scans. Profiles expose memory contents,
// including entry metadata, so the endpoints are only mounted outside
// production. All other paths pass through.
func Profiling(cfg ProfilingConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		if !profilingAllowed(cfg.Environment) {
			logger.Error("refusing to expose profiling endpoints in production",
				"environment", cfg.Environment)
			return next
		}
		logger.Warn("profiling endpoints enabled",
			"environment", cfg.Environment,
			"path", ProfilingPathPrefix+"/")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path != ProfilingPathPrefix && !strings.HasPrefix(path, ProfilingPathPrefix+"/") {
				next.ServeHTTP(w, r)
				return
			}
			switch strings.TrimPrefix(path, ProfilingPathPrefix) {
			case "/cmdline":
				pprof.Cmdline(w, r)
			case "/profile":
				pprof.Profile(w, r)
			case "/symbol":
				pprof.Symbol(w, r)
			case "/trace":
				pprof.Trace(w, r)
			case "":
				http.Redirect(w, r, ProfilingPathPrefix+"/", http.StatusMovedPermanently)
			default:
				// index and named profiles such as heap and goroutine
				pprof.Index(w, r)
			}
		})
	}
}
