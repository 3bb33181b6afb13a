package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/middleware"
)

func TestWriteError_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, context.Background(), http.StatusNotFound, ErrCodeNotFound, "Entry not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type to contain application/json, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response body: %v, body: %s", err, w.Body.String())
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodeNotFound, resp.Error.Code)
	}
	if resp.Error.Message != "Entry not found" {
		t.Errorf("expected message 'Entry not found', got %s", resp.Error.Message)
	}
}

func TestErrorResponse_JSONStructure(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, context.Background(), http.StatusBadRequest, ErrCodeValidation, "event_type is required")

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response) != 1 {
		t.Errorf("expected 1 top-level key, got %d: %v", len(response), response)
	}
	errorObj, ok := response["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected 'error' to be an object, got %T", response["error"])
	}
	// details is omitted when empty
	if len(errorObj) != 2 {
		t.Errorf("expected 2 fields in error object, got %d: %v", len(errorObj), errorObj)
	}
}

func TestWriteError_IntegrationWithLoggingMiddleware(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := middleware.RequestID(
		middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Entry not found")
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/audit/scopes/org-1/entries/9", nil)
	req.Header.Set("X-Request-ID", "test-req-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	var entry struct {
		Level     string `json:"level"`
		Status    int    `json:"status"`
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	if entry.Level != "WARN" {
		t.Errorf("expected log level WARN for 4xx, got %s", entry.Level)
	}
	if entry.RequestID != "test-req-123" {
		t.Errorf("expected request_id test-req-123 in logs, got %s", entry.RequestID)
	}
	if entry.ErrorCode != ErrCodeNotFound {
		t.Errorf("expected error_code %s in logs, got %s", ErrCodeNotFound, entry.ErrorCode)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code       string
		wantStatus int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeEncoding, http.StatusBadRequest},
		{ErrCodeUnknownType, http.StatusBadRequest},
		{ErrCodeInvalidRange, http.StatusBadRequest},
		{ErrCodeUnsupportedFormat, http.StatusBadRequest},
		{ErrCodeInvalidBundle, http.StatusBadRequest},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeConflict, http.StatusConflict},
		{ErrCodeExportRefused, http.StatusConflict},
		{ErrCodeRangeTooLarge, http.StatusRequestEntityTooLarge},
		{ErrCodePayloadTooLarge, http.StatusRequestEntityTooLarge},
		{ErrCodeAppendConflict, http.StatusServiceUnavailable},
		{ErrCodeStorageUnavailable, http.StatusServiceUnavailable},
		{ErrCodeArtifactUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInvalidIdempotencyKey, http.StatusBadRequest},
		{ErrCodeIdempotencyKeyInFlight, http.StatusConflict},
		{ErrCodeIdempotencyKeyReused, http.StatusUnprocessableEntity},
		{ErrCodeInternal, http.StatusInternalServerError},
		{"unknown_code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := StatusCodeMapping(tt.code); got != tt.wantStatus {
				t.Errorf("StatusCodeMapping(%s) = %d, want %d", tt.code, got, tt.wantStatus)
			}
		})
	}
}

func TestClassifyAuditError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"encoding", &audit.EncodingError{Path: "metadata.x", Reason: "NaN"}, ErrCodeEncoding},
		{"scope required", audit.ErrScopeRequired, ErrCodeValidation},
		{"event type required", audit.ErrEventTypeRequired, ErrCodeValidation},
		{"unknown event", fmt.Errorf("%w: %q", audit.ErrUnknownEventType, "X"), ErrCodeUnknownType},
		{"unknown resource", audit.ErrUnknownResourceType, ErrCodeUnknownType},
		{"not found", audit.ErrEntryNotFound, ErrCodeNotFound},
		{"empty scope", audit.ErrEmptyScope, ErrCodeNotFound},
		{"invalid range", audit.ErrInvalidRange, ErrCodeInvalidRange},
		{"range too large", audit.ErrRangeTooLarge, ErrCodeRangeTooLarge},
		{"format", audit.ErrUnsupportedFormat, ErrCodeUnsupportedFormat},
		{"exhausted", fmt.Errorf("after 5 attempts: %w", audit.ErrAppendConflictExhausted), ErrCodeAppendConflict},
		{"refused", &audit.ExportRefusedError{ScopeID: "org-1", BrokenAtSequence: 3, Reason: audit.ReasonHashMismatch}, ErrCodeExportRefused},
		{"storage", &audit.StorageError{Op: "tail", Err: errors.New("connection refused")}, ErrCodeStorageUnavailable},
		{"other", errors.New("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := classifyAuditError(tt.err); got != tt.want {
				t.Errorf("classifyAuditError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyAuditError_HidesInternalDetail(t *testing.T) {
	_, msg := classifyAuditError(&audit.StorageError{Op: "insert", Err: errors.New("password authentication failed")})
	if strings.Contains(msg, "password") {
		t.Errorf("storage error message leaked driver detail: %q", msg)
	}
}

func TestWriteAuditError_ExportRefusedDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/audit/scopes/org-1/export", nil)
	w := httptest.NewRecorder()

	writeAuditError(w, req, &audit.ExportRefusedError{
		ScopeID:          "org-1",
		BrokenAtSequence: 4,
		Reason:           audit.ReasonSequenceGap,
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Code != ErrCodeExportRefused {
		t.Errorf("expected code %s, got %s", ErrCodeExportRefused, resp.Error.Code)
	}
	if got := resp.Error.Details["broken_at_sequence"]; got != float64(4) {
		t.Errorf("broken_at_sequence = %v, want 4", got)
	}
	if got := resp.Error.Details["reason"]; got != string(audit.ReasonSequenceGap) {
		t.Errorf("reason = %v, want %s", got, audit.ReasonSequenceGap)
	}
}

func TestWriteError_SpecialCharactersInMessage(t *testing.T) {
	w := httptest.NewRecorder()

	specialMsg := `Error with "quotes", <brackets>, & ampersands`
	WriteError(w, context.Background(), http.StatusBadRequest, ErrCodeValidation, specialMsg)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Message != specialMsg {
		t.Errorf("message not properly escaped: got %s", resp.Error.Message)
	}
}
