// Package api provides the HTTP surface of the audit service and its
// standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeMethodNotAllowed indicates the route exists for other methods only.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeEncoding indicates metadata with no canonical encoding.
	ErrCodeEncoding = "encoding_error"

	// ErrCodeUnknownType indicates an event or resource type outside the
	// vocabulary while strict taxonomy is on.
	ErrCodeUnknownType = "unknown_type"

	// ErrCodeAppendConflict indicates the append retries were exhausted.
	ErrCodeAppendConflict = "append_conflict"

	// ErrCodeExportRefused indicates the range failed verification.
	ErrCodeExportRefused = "export_refused"

	// ErrCodeRangeTooLarge indicates the export range exceeds the limit.
	ErrCodeRangeTooLarge = "range_too_large"

	// ErrCodeInvalidRange indicates from/to do not describe a valid range.
	ErrCodeInvalidRange = "invalid_range"

	// ErrCodeUnsupportedFormat indicates an unknown bundle format.
	ErrCodeUnsupportedFormat = "unsupported_format"

	// ErrCodeInvalidBundle indicates a bundle that could not be decoded.
	ErrCodeInvalidBundle = "invalid_bundle"

	// ErrCodeStorageUnavailable indicates the backing store failed.
	ErrCodeStorageUnavailable = "storage_unavailable"

	// ErrCodePayloadTooLarge indicates a request body over the size limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodeArtifactUnavailable indicates no artifact store is configured
	// or the upload failed.
	ErrCodeArtifactUnavailable = "artifact_unavailable"

	// ErrCodeInvalidIdempotencyKey indicates a malformed Idempotency-Key.
	ErrCodeInvalidIdempotencyKey = "invalid_idempotency_key"

	// ErrCodeIdempotencyKeyReused indicates a key replayed with another body.
	ErrCodeIdempotencyKeyReused = "idempotency_key_reused"

	// ErrCodeIdempotencyKeyInFlight indicates the keyed request is still running.
	ErrCodeIdempotencyKeyInFlight = "idempotency_key_in_flight"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
// Details carries machine-readable context such as the break point of a
// refused export.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The logging middleware records error_code for 4xx and 5xx responses when
// the handler calls SetErrorCode:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "Entry not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	data, err := json.Marshal(ErrorResponse{Error: detail})
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeEncoding, ErrCodeUnknownType,
		ErrCodeInvalidRange, ErrCodeUnsupportedFormat, ErrCodeInvalidBundle, ErrCodeInvalidIdempotencyKey:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeConflict, ErrCodeExportRefused, ErrCodeIdempotencyKeyInFlight:
		return http.StatusConflict
	case ErrCodeIdempotencyKeyReused:
		return http.StatusUnprocessableEntity
	case ErrCodeRangeTooLarge, ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeAppendConflict, ErrCodeStorageUnavailable, ErrCodeArtifactUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classifyAuditError maps an error from the audit package to an error code
// and client-facing message.
func classifyAuditError(err error) (code, message string) {
	var encErr *audit.EncodingError
	var refused *audit.ExportRefusedError
	switch {
	case errors.As(err, &refused):
		return ErrCodeExportRefused, "Export refused: the requested range failed verification"
	case errors.As(err, &encErr):
		return ErrCodeEncoding, encErr.Error()
	case errors.Is(err, audit.ErrScopeRequired), errors.Is(err, audit.ErrEventTypeRequired):
		return ErrCodeValidation, err.Error()
	case errors.Is(err, audit.ErrUnknownEventType), errors.Is(err, audit.ErrUnknownResourceType):
		return ErrCodeUnknownType, err.Error()
	case errors.Is(err, audit.ErrEntryNotFound), errors.Is(err, audit.ErrEmptyScope):
		return ErrCodeNotFound, err.Error()
	case errors.Is(err, audit.ErrInvalidRange):
		return ErrCodeInvalidRange, err.Error()
	case errors.Is(err, audit.ErrRangeTooLarge):
		return ErrCodeRangeTooLarge, err.Error()
	case errors.Is(err, audit.ErrUnsupportedFormat), errors.Is(err, audit.ErrUnsupportedVersion):
		return ErrCodeUnsupportedFormat, err.Error()
	case errors.Is(err, audit.ErrAppendConflictExhausted):
		return ErrCodeAppendConflict, "Too many concurrent appends to this scope, retry later"
	default:
		var storeErr *audit.StorageError
		if errors.As(err, &storeErr) {
			return ErrCodeStorageUnavailable, "Audit storage is unavailable"
		}
		return ErrCodeInternal, "Internal server error"
	}
}

// writeAuditError logs server-side failures and writes the mapped response.
// A refused export carries its break point in the details.
func writeAuditError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := classifyAuditError(err)
	ctx := middleware.SetErrorCode(r.Context(), code)
	status := StatusCodeMapping(code)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "audit request failed",
			"path", r.URL.Path,
			"error_code", code,
			"error", err)
	}

	detail := ErrorDetail{Code: code, Message: message}
	var refused *audit.ExportRefusedError
	if errors.As(err, &refused) {
		detail.Details = map[string]any{
			"scope_id":           refused.ScopeID,
			"broken_at_sequence": refused.BrokenAtSequence,
			"reason":             string(refused.Reason),
		}
	}
	writeErrorDetail(w, ctx, status, detail)
}
