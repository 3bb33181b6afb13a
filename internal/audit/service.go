package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Service ties verification and export to the chain itself: every
// verification and export is recorded as an event in the scope it
// examined, so the trail describes its own audits.
type Service struct {
	repo     Repository
	appender *Appender
	verifier *Verifier
	exporter *Exporter
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(repo Repository, appender *Appender, verifier *Verifier, exporter *Exporter, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if appender == nil || verifier == nil || exporter == nil {
		return nil, errors.New("audit service requires an appender, verifier and exporter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		appender: appender,
		verifier: verifier,
		exporter: exporter,
		logger:   logger,
	}, nil
}

// Verify checks the range and records an AUDIT_LOG_VERIFIED event with the
// outcome. Failing to record the event does not change the result.
func (s *Service) Verify(ctx context.Context, scopeID string, r Range, opts VerifyOptions, actorID string) (*VerificationResult, error) {
	res, err := s.verifier.Verify(ctx, scopeID, r, opts)
	if err != nil {
		return nil, err
	}
	if res.Valid && res.CheckedCount == 0 {
		// empty scope; do not create it just to say so
		return res, nil
	}

	metadata := map[string]any{
		"from_sequence": res.FromSequence,
		"to_sequence":   res.ToSequence,
		"valid":         res.Valid,
		"checked_count": res.CheckedCount,
	}
	if !res.Valid {
		metadata["broken_at_sequence"] = res.BrokenAtSequence
		metadata["reason"] = string(res.Reason)
		metadata["finding_count"] = len(res.Findings)
	}
	s.recordSelf(ctx, scopeID, EventAuditLogVerified, actorID, metadata)
	return res, nil
}

// Export builds a bundle and records an AUDIT_LOG_EXPORTED event.
func (s *Service) Export(ctx context.Context, scopeID string, r Range, actorID string) (*ExportBundle, error) {
	b, err := s.exporter.Export(ctx, scopeID, r)
	if err != nil {
		return nil, err
	}
	s.RecordExport(ctx, actorID, &ExportSummary{
		ScopeID:    scopeID,
		Format:     FormatJSON,
		RangeStart: b.RangeStart,
		RangeEnd:   b.RangeEnd,
		Count:      int64(len(b.Entries)),
		RootHash:   b.RootHash,
	}, nil)
	return b, nil
}

// WriteExport streams a bundle to w and records an AUDIT_LOG_EXPORTED event.
func (s *Service) WriteExport(ctx context.Context, w io.Writer, scopeID string, r Range, format Format, actorID string) (*ExportSummary, error) {
	sum, err := s.PrepareExport(ctx, w, scopeID, r, format)
	if err != nil {
		return nil, err
	}
	s.RecordExport(ctx, actorID, sum, nil)
	return sum, nil
}

// PrepareExport writes a bundle to w without recording anything. Callers
// that deliver the bundle elsewhere call RecordExport once delivery
// succeeded.
func (s *Service) PrepareExport(ctx context.Context, w io.Writer, scopeID string, r Range, format Format) (*ExportSummary, error) {
	return s.exporter.WriteBundle(ctx, w, scopeID, r, format)
}

// Head returns the tail of the scope, or ErrEntryNotFound for an empty scope.
func (s *Service) Head(ctx context.Context, scopeID string) (Tail, error) {
	if scopeID == "" {
		return Tail{}, ErrScopeRequired
	}
	tail, found, err := s.repo.Tail(ctx, scopeID)
	if err != nil {
		return Tail{}, storageErr("tail", err)
	}
	if !found {
		return Tail{}, ErrEntryNotFound
	}
	return tail, nil
}

// Entry returns a single stored entry.
func (s *Service) Entry(ctx context.Context, scopeID string, seq int64) (*Entry, error) {
	if scopeID == "" {
		return nil, ErrScopeRequired
	}
	return s.repo.Get(ctx, scopeID, seq)
}

// RecordExport appends the AUDIT_LOG_EXPORTED event for a delivered bundle.
// extra adds metadata such as the artifact key; it cannot override the
// summary fields.
func (s *Service) RecordExport(ctx context.Context, actorID string, sum *ExportSummary, extra map[string]any) {
	metadata := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		metadata[k] = v
	}
	metadata["from_sequence"] = sum.RangeStart
	metadata["to_sequence"] = sum.RangeEnd
	metadata["entry_count"] = sum.Count
	metadata["root_hash"] = sum.RootHash.String()
	metadata["format"] = string(sum.Format)
	s.recordSelf(ctx, sum.ScopeID, EventAuditLogExported, actorID, metadata)
}

func (s *Service) recordSelf(ctx context.Context, scopeID string, eventType EventType, actorID string, metadata map[string]any) {
	_, err := s.appender.Append(context.WithoutCancel(ctx), scopeID, Draft{
		EventType:    eventType,
		ResourceType: ResourceAuditLog,
		ResourceID:   scopeID,
		ActorID:      actorID,
		Metadata:     metadata,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record audit self-event",
			slog.String("scope_id", scopeID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()))
	}
}
