package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/auditchain/internal/artifact"
	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/middleware"
)

// Export destinations.
const (
	DestinationDownload = "download"
	DestinationArtifact = "artifact"
)

// RootHashHeader carries the root hash of a downloaded bundle when it is
// known before the body is written.
const RootHashHeader = "X-Audit-Root-Hash"

// VerifyRequest represents the request body for POST /audit/scopes/{scope}/verify.
// An empty body verifies the whole scope.
type VerifyRequest struct {
	From            int64 `json:"from"`
	To              int64 `json:"to"`
	ContinueOnBreak bool  `json:"continue_on_break"`
}

// ExportRequest represents the request body for POST /audit/scopes/{scope}/export.
type ExportRequest struct {
	From        int64  `json:"from"`
	To          int64  `json:"to"`
	Format      string `json:"format"`
	Destination string `json:"destination"`
}

// ExportArtifactResponse is returned when a bundle was uploaded to the
// artifact store.
type ExportArtifactResponse struct {
	Key        string       `json:"key"`
	URL        string       `json:"url"`
	ExpiresAt  time.Time    `json:"expires_at"`
	RootHash   audit.Hash   `json:"root_hash"`
	ScopeID    string       `json:"scope_id"`
	Format     audit.Format `json:"format"`
	RangeStart int64        `json:"range_start"`
	RangeEnd   int64        `json:"range_end"`
	Count      int64        `json:"count"`
}

// verify handles POST /audit/scopes/{scope}/verify. A broken chain is a
// 200 response with valid=false.
func (h *AuditHandlers) verify(w http.ResponseWriter, r *http.Request, scopeID string) {
	var req VerifyRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}

	res, err := h.service.Verify(r.Context(), scopeID,
		audit.Range{From: req.From, To: req.To},
		audit.VerifyOptions{ContinueOnBreak: req.ContinueOnBreak},
		middleware.GetActorID(r.Context()))
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	if !res.Valid {
		slog.WarnContext(r.Context(), "audit chain verification failed",
			"scope_id", scopeID,
			"broken_at_sequence", res.BrokenAtSequence,
			"reason", res.Reason)
	}
	writeJSON(w, r, http.StatusOK, res)
}

// export handles POST /audit/scopes/{scope}/export.
func (h *AuditHandlers) export(w http.ResponseWriter, r *http.Request, scopeID string) {
	var req ExportRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	format, err := audit.ParseFormat(req.Format)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	rng := audit.Range{From: req.From, To: req.To}

	switch req.Destination {
	case "", DestinationDownload:
		h.exportDownload(w, r, scopeID, rng, format)
	case DestinationArtifact:
		h.exportArtifact(w, r, scopeID, rng, format)
	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
			"destination must be \"download\" or \"artifact\"")
	}
}

// exportDownload writes the bundle as the response body. JSON and CBOR
// bundles are built before anything is sent; JSONL is streamed, so a
// failure after the first byte can only truncate the response, which a
// reader detects by the missing trailer.
func (h *AuditHandlers) exportDownload(w http.ResponseWriter, r *http.Request, scopeID string, rng audit.Range, format audit.Format) {
	actorID := middleware.GetActorID(r.Context())

	if format == audit.FormatJSONL {
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", contentDisposition(scopeID, format))
		cw := &countingWriter{w: w}
		if _, err := h.service.WriteExport(r.Context(), cw, scopeID, rng, format, actorID); err != nil {
			if cw.n == 0 {
				w.Header().Del("Content-Disposition")
				writeAuditError(w, r, err)
				return
			}
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			slog.ErrorContext(ctx, "export stream aborted",
				"scope_id", scopeID,
				"bytes_written", cw.n,
				"error", err)
		}
		return
	}

	var buf bytes.Buffer
	sum, err := h.service.WriteExport(r.Context(), &buf, scopeID, rng, format, actorID)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", contentDisposition(scopeID, format))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set(RootHashHeader, sum.RootHash.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.ErrorContext(r.Context(), "failed to write export bundle", "scope_id", scopeID, "error", err)
	}
}

// exportArtifact uploads the bundle and returns a pre-signed download URL.
func (h *AuditHandlers) exportArtifact(w http.ResponseWriter, r *http.Request, scopeID string, rng audit.Range, format audit.Format) {
	if h.artifacts == nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeArtifactUnavailable)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeArtifactUnavailable, "No artifact store is configured")
		return
	}

	var buf bytes.Buffer
	sum, err := h.service.PrepareExport(r.Context(), &buf, scopeID, rng, format)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}

	key, err := artifact.BundleKey(scopeID, sum.RangeStart, sum.RangeEnd, "."+format.Extension())
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Scope ID cannot be used in an artifact key")
		return
	}
	err = h.artifacts.Put(r.Context(), artifact.Object{
		Key:         key,
		ContentType: format.ContentType(),
		Body:        buf.Bytes(),
		Metadata: map[string]string{
			"scope-id":  scopeID,
			"root-hash": sum.RootHash.String(),
			"range":     fmt.Sprintf("%d-%d", sum.RangeStart, sum.RangeEnd),
		},
	})
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeArtifactUnavailable)
		slog.ErrorContext(ctx, "failed to upload export bundle", "scope_id", scopeID, "key", key, "error", err)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeArtifactUnavailable, "Failed to store export bundle")
		return
	}

	signed, err := h.artifacts.PresignGet(r.Context(), key)
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeArtifactUnavailable)
		slog.ErrorContext(ctx, "failed to sign export bundle URL", "scope_id", scopeID, "key", key, "error", err)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeArtifactUnavailable, "Failed to sign download URL")
		return
	}

	h.service.RecordExport(r.Context(), middleware.GetActorID(r.Context()), sum, map[string]any{"artifact_key": key})
	slog.InfoContext(r.Context(), "export bundle stored",
		"scope_id", scopeID,
		"key", key,
		"range_start", sum.RangeStart,
		"range_end", sum.RangeEnd)

	writeJSON(w, r, http.StatusCreated, ExportArtifactResponse{
		Key:        key,
		URL:        signed.URL,
		ExpiresAt:  signed.ExpiresAt,
		RootHash:   sum.RootHash,
		ScopeID:    scopeID,
		Format:     format,
		RangeStart: sum.RangeStart,
		RangeEnd:   sum.RangeEnd,
		Count:      sum.Count,
	})
}

// VerifyBundle handles POST /audit/bundles/verify?format=json|jsonl|cbor.
// The bundle is checked on its own, without touching the store.
func (h *AuditHandlers) VerifyBundle(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	continueOnBreak, _ := strconv.ParseBool(r.URL.Query().Get("continue_on_break"))

	bundle, err := audit.ReadBundle(http.MaxBytesReader(w, r.Body, h.maxBundleBytes), format)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodePayloadTooLarge)
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Bundle too large")
		case errors.Is(err, audit.ErrUnsupportedFormat), errors.Is(err, audit.ErrUnsupportedVersion):
			writeAuditError(w, r, err)
		default:
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidBundle)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidBundle, "Bundle could not be decoded")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, audit.VerifyBundle(bundle, audit.VerifyOptions{ContinueOnBreak: continueOnBreak}))
}

func contentDisposition(scopeID string, format audit.Format) string {
	name := artifact.SanitizeName(scopeID)
	if name == "" {
		name = "audit"
	}
	return fmt.Sprintf(`attachment; filename="%s-audit.%s"`, name, format.Extension())
}

// countingWriter records how many bytes reached the client.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
