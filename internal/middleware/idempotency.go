package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/auditchain/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayedHeader marks a response served from the idempotency store.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// DefaultIdempotencyMaxBody bounds the request body hashed for a keyed request.
const DefaultIdempotencyMaxBody = 1 << 20

// IdempotencyConfig configures the Idempotency middleware.
type IdempotencyConfig struct {
	Store idempotency.Store
	// TTL is how long a completed response is replayed.
	TTL time.Duration
	// MaxBodyBytes bounds the hashed body. Larger requests pass through
	// unkeyed and are rejected by the handler's own limit.
	MaxBodyBytes int64
	Logger       *slog.Logger
	// Metrics counts outcomes when set.
	Metrics *Metrics
}

// idempotencyResponseWriter captures the response for storage while writing
// it through.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency makes POST requests carrying an Idempotency-Key header safe to
// retry. The first request reserves the key; a retry with the same body gets
// the stored 2xx response back with Idempotent-Replayed: true, a retry while
// the first is still running gets 409, and reusing the key for a different
// body gets 422. Requests without the header are untouched. When the store
// fails the request proceeds without idempotency.
func Idempotency(cfg IdempotencyConfig) func(http.Handler) http.Handler {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultIdempotencyMaxBody
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					message = "Idempotency-Key exceeds maximum length of 64 characters"
				}
				writeMiddlewareError(w, r, http.StatusBadRequest, code, message)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
			if err != nil {
				writeMiddlewareError(w, r, http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			if int64(len(body)) > maxBody {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			rec := &idempotency.Record{
				Key:         idempotency.StorageKey(GetActorID(ctx), r.Method, r.URL.Path, key),
				Method:      r.Method,
				Route:       r.URL.Path,
				RequestHash: idempotency.Hash(body),
			}

			existing, err := cfg.Store.Reserve(ctx, rec, ttl)
			switch {
			case errors.Is(err, idempotency.ErrKeyExists):
				cfg.Metrics.IncIdempotency(replayOrReject(w, r, existing, rec.RequestHash))
				return
			case err != nil:
				cfg.Metrics.IncIdempotency(IdempotencyStoreError)
				logger.ErrorContext(ctx, "idempotency store unavailable, proceeding without key",
					"route", rec.Route, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			cfg.Metrics.IncIdempotency(IdempotencyFirst)
			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				if err := cfg.Store.Release(ctx, rec.Key); err != nil {
					logger.WarnContext(ctx, "failed to release idempotency key", "route", rec.Route, "error", err)
				}
			}()

			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			rec.StatusCode = capture.statusCode
			rec.Body = capture.body.String()
			rec.BodyHash = idempotency.Hash(capture.body.Bytes())
			if err := cfg.Store.Complete(ctx, rec, ttl); err != nil {
				logger.ErrorContext(ctx, "failed to store idempotent response", "route", rec.Route, "error", err)
				return
			}
			completed = true
		})
	}
}

// replayOrReject answers a request whose key is already reserved and
// returns the outcome.
func replayOrReject(w http.ResponseWriter, r *http.Request, existing *idempotency.Record, requestHash string) string {
	switch {
	case existing == nil:
		writeMiddlewareError(w, r, http.StatusConflict, "idempotency_key_in_flight",
			"A request with this Idempotency-Key is already in progress")
		return IdempotencyInFlight
	case existing.RequestHash != requestHash:
		writeMiddlewareError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
			"Idempotency-Key was already used with a different request body")
		return IdempotencyReused
	case existing.Status != idempotency.StatusCompleted:
		writeMiddlewareError(w, r, http.StatusConflict, "idempotency_key_in_flight",
			"A request with this Idempotency-Key is already in progress")
		return IdempotencyInFlight
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set(IdempotentReplayedHeader, "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = io.WriteString(w, existing.Body)
		return IdempotencyReplayed
	}
}

// writeMiddlewareError writes the API's {"error":{"code","message"}} body.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	SetErrorCode(r.Context(), code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
