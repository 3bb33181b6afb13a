// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig defines the rate limiting configuration.
// Valid values:
//   - RequestsPerWindow: must be > 0
//   - WindowDuration: must be > 0
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

var (
	defaultGlobalLimit = RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
	// Verification and export scan whole chains, so they get a tighter budget.
	defaultComplianceLimit = RateLimitConfig{RequestsPerWindow: 30, WindowDuration: time.Minute}
	defaultAppendLimit     = RateLimitConfig{RequestsPerWindow: 600, WindowDuration: time.Minute}
)

// DefaultGlobalLimit returns a copy of the default global rate limit config.
func DefaultGlobalLimit() RateLimitConfig {
	return defaultGlobalLimit
}

// DefaultComplianceLimit returns the default limit for verify and export endpoints.
func DefaultComplianceLimit() RateLimitConfig {
	return defaultComplianceLimit
}

// DefaultAppendLimit returns the default limit for the append endpoint.
func DefaultAppendLimit() RateLimitConfig {
	return defaultAppendLimit
}

// RateLimitStore defines the interface for rate limit state storage.
type RateLimitStore interface {
	// Allow reports whether a request for key is allowed, how many requests
	// remain in the current window, and, when blocked, the number of seconds
	// until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore implements RateLimitStore with a fixed window
// counter per key. Safe for concurrent use.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	b, exists := s.buckets[key]
	if !exists || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{
			count:     1,
			windowEnd: now.Add(config.WindowDuration),
		}
		return true, config.RequestsPerWindow - 1, 0
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, config.RequestsPerWindow - b.count, 0
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// Cleanup removes expired buckets. Call it periodically, at an interval of a
// few times the longest configured window.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// fixedWindowScript increments the counter for KEYS[1], starts the window on
// the first hit and returns the new count with the remaining TTL in ms.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimitStore implements RateLimitStore on Redis so limits are shared
// across API replicas. It fails open: when Redis is unreachable the request
// is allowed with the full quota and the error is counted.
type RedisRateLimitStore struct {
	client  *redis.Client
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// RedisStoreOption configures a RedisRateLimitStore.
type RedisStoreOption func(*RedisRateLimitStore)

// WithRedisMetrics counts fail-open events on m.
func WithRedisMetrics(m *Metrics) RedisStoreOption {
	return func(s *RedisRateLimitStore) { s.metrics = m }
}

// WithRedisKeyPrefix overrides the default "ratelimit:" key prefix.
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisRateLimitStore) { s.prefix = prefix }
}

// WithRedisLogger sets the logger used for fail-open warnings.
func WithRedisLogger(logger *slog.Logger) RedisStoreOption {
	return func(s *RedisRateLimitStore) { s.logger = logger }
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client, opts ...RedisStoreOption) *RedisRateLimitStore {
	s := &RedisRateLimitStore{
		client: client,
		prefix: "ratelimit:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	window := config.WindowDuration.Milliseconds()
	if window <= 0 {
		window = 1
	}

	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, window).Int64Slice()
	if err != nil || len(res) != 2 {
		if s.metrics != nil {
			s.metrics.IncRateLimitRedisErrors()
		}
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return true, config.RequestsPerWindow, 0
	}

	count, ttl := int(res[0]), res[1]
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}

	retryAfter := int((ttl + 999) / 1000)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// ActorKeyFunc returns a KeyFunc keyed on the actor identity when present,
// falling back to the client IP.
func ActorKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if actorID := GetActorID(r.Context()); actorID != "" {
			return "actor:" + actorID
		}
		return "ip:" + ipFunc(r)
	}
}

// keyType reports the label used for rate limit metrics.
func keyType(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return "ip"
}

// RateLimiter is a middleware that limits request rates. It sets the
// X-RateLimit-* headers on every response and answers 429 with a JSON error
// body once the limit is exceeded. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	limit := strconv.Itoa(config.RequestsPerWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			endpoint := normalizePath(r.URL.Path)
			if metrics != nil {
				metrics.IncRateLimitRequests(endpoint, keyType(key))
			}

			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(endpoint, keyType(key))
				}
				SetErrorCode(r.Context(), "rate_limited")

				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "too many requests, retry after " + strconv.Itoa(retryAfter) + "s",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
