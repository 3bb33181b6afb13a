package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/auditchain/internal/tracing"
)

// DefaultExportMaxEntries bounds in-memory exports.
const DefaultExportMaxEntries = 100000

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	// MaxEntries bounds Export and the JSON/CBOR formats of WriteBundle.
	// JSONL output is streamed and not bounded.
	MaxEntries int64
	BatchSize  int
	Logger     *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time
}

// ExportSummary describes a bundle that was written.
type ExportSummary struct {
	ScopeID    string `json:"scope_id"`
	Format     Format `json:"format"`
	RangeStart int64  `json:"range_start"`
	RangeEnd   int64  `json:"range_end"`
	Count      int64  `json:"count"`
	RootHash   Hash   `json:"root_hash"`
}

// Exporter produces verified bundles. A range that does not verify is
// never exported.
type Exporter struct {
	repo       Repository
	verifier   *Verifier
	maxEntries int64
	batchSize  int
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// NewExporter creates an Exporter over repo.
func NewExporter(repo Repository, cfg ExporterConfig) (*Exporter, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	x := &Exporter{
		repo:       repo,
		maxEntries: cfg.MaxEntries,
		batchSize:  cfg.BatchSize,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
	if x.maxEntries <= 0 {
		x.maxEntries = DefaultExportMaxEntries
	}
	if x.batchSize <= 0 {
		x.batchSize = DefaultScanBatchSize
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	if x.now == nil {
		x.now = time.Now
	}

	var err error
	x.verifier, err = NewVerifier(repo, VerifierConfig{
		BatchSize: x.batchSize,
		Logger:    x.logger,
		Metrics:   cfg.Metrics,
		Now:       x.now,
	})
	if err != nil {
		return nil, err
	}
	return x, nil
}

// Export verifies the range and returns it as a bundle.
func (x *Exporter) Export(ctx context.Context, scopeID string, r Range) (*ExportBundle, error) {
	b, err := x.export(ctx, scopeID, r, FormatJSON)
	if err != nil {
		return nil, err
	}
	x.metrics.incExport(FormatJSON, ResultSuccess)
	return b, nil
}

func (x *Exporter) export(ctx context.Context, scopeID string, r Range, format Format) (b *ExportBundle, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "audit.export")
	defer func() { endSpan(err) }()

	from, to, err := x.prepare(ctx, scopeID, r, true)
	if err != nil {
		x.countFailure(format, err)
		return nil, err
	}

	b = &ExportBundle{
		FormatVersion: FormatVersion,
		ScopeID:       scopeID,
		RangeStart:    from,
		RangeEnd:      to,
		Entries:       make([]*Entry, 0, to-from+1),
		GeneratedAt:   x.now().UTC(),
	}
	err = x.repo.Scan(ctx, scopeID, from, to, x.batchSize, func(e *Entry) error {
		b.Entries = append(b.Entries, e)
		return nil
	})
	if err != nil {
		x.countFailure(format, err)
		return nil, storageErr("scan", err)
	}
	if len(b.Entries) > 0 {
		b.RootHash = b.Entries[len(b.Entries)-1].EntryHash
	}

	// the range verified a moment ago; make sure what we read still does
	if res := VerifyBundle(b, VerifyOptions{}); !res.Valid {
		err = &ExportRefusedError{ScopeID: scopeID, BrokenAtSequence: res.BrokenAtSequence, Reason: res.Reason}
		x.countFailure(format, err)
		return nil, err
	}

	tracing.SetAttributes(ctx,
		attribute.String("audit.scope_id", scopeID),
		attribute.Int("audit.entries", len(b.Entries)))
	return b, nil
}

// WriteBundle verifies the range and writes it to w. JSONL output streams
// the range batch by batch and re-hashes every entry while writing; if the
// data no longer verifies the trailer is never written and a
// *ExportRefusedError is returned.
func (x *Exporter) WriteBundle(ctx context.Context, w io.Writer, scopeID string, r Range, format Format) (sum *ExportSummary, err error) {
	if format != FormatJSONL {
		b, err := x.export(ctx, scopeID, r, format)
		if err != nil {
			return nil, err
		}
		if err := EncodeBundle(w, b, format); err != nil {
			x.metrics.incExport(format, ResultFailure)
			return nil, fmt.Errorf("failed to write bundle: %w", err)
		}
		x.metrics.incExport(format, ResultSuccess)
		x.logExport(ctx, scopeID, format, b.RangeStart, b.RangeEnd)
		return &ExportSummary{
			ScopeID:    scopeID,
			Format:     format,
			RangeStart: b.RangeStart,
			RangeEnd:   b.RangeEnd,
			Count:      int64(len(b.Entries)),
			RootHash:   b.RootHash,
		}, nil
	}

	ctx, endSpan := tracing.StartSpan(ctx, "audit.export_stream")
	defer func() { endSpan(err) }()

	from, to, err := x.prepare(ctx, scopeID, r, false)
	if err != nil {
		x.countFailure(format, err)
		return nil, err
	}

	jw := newJSONLWriter(w)
	if err := jw.header(scopeID, from, to, x.now().UTC()); err != nil {
		x.metrics.incExport(format, ResultFailure)
		return nil, fmt.Errorf("failed to write bundle header: %w", err)
	}

	walker := &chainWalker{
		scopeID:         scopeID,
		expected:        from,
		prev:            GenesisHash(),
		anchorFromEntry: from > 1,
	}
	var writeErr error
	err = x.repo.Scan(ctx, scopeID, from, to, x.batchSize, func(e *Entry) error {
		if err := walker.visit(e); err != nil {
			return err
		}
		if err := jw.entry(e); err != nil {
			writeErr = err
			return err
		}
		return nil
	})
	switch {
	case writeErr != nil:
		x.metrics.incExport(format, ResultFailure)
		return nil, fmt.Errorf("failed to write bundle entry: %w", writeErr)
	case err != nil && !errors.Is(err, errStopScan):
		x.metrics.incExport(format, ResultFailure)
		return nil, storageErr("scan", err)
	}
	walker.finish(to)
	if len(walker.findings) > 0 {
		first := walker.findings[0]
		err = &ExportRefusedError{ScopeID: scopeID, BrokenAtSequence: first.Sequence, Reason: first.Reason}
		x.countFailure(format, err)
		return nil, err
	}

	if err := jw.trailer(walker.checked, walker.lastHash); err != nil {
		x.metrics.incExport(format, ResultFailure)
		return nil, fmt.Errorf("failed to write bundle trailer: %w", err)
	}

	x.metrics.incExport(format, ResultSuccess)
	x.logExport(ctx, scopeID, format, from, to)
	return &ExportSummary{
		ScopeID:    scopeID,
		Format:     format,
		RangeStart: from,
		RangeEnd:   to,
		Count:      walker.checked,
		RootHash:   walker.lastHash,
	}, nil
}

// prepare resolves the range, enforces the size limit and verifies it.
func (x *Exporter) prepare(ctx context.Context, scopeID string, r Range, bounded bool) (int64, int64, error) {
	if scopeID == "" {
		return 0, 0, ErrScopeRequired
	}
	from, to, err := x.verifier.resolveRange(ctx, scopeID, r)
	if err != nil {
		return 0, 0, err
	}
	if to < from {
		return 0, 0, ErrEmptyScope
	}
	if bounded && to-from+1 > x.maxEntries {
		return 0, 0, fmt.Errorf("%w: %d entries requested, limit is %d", ErrRangeTooLarge, to-from+1, x.maxEntries)
	}

	res, err := x.verifier.Verify(ctx, scopeID, Range{From: from, To: to}, VerifyOptions{})
	if err != nil {
		return 0, 0, err
	}
	if !res.Valid {
		x.logger.WarnContext(ctx, "audit export refused",
			slog.String("scope_id", scopeID),
			slog.Int64("broken_at_sequence", res.BrokenAtSequence),
			slog.String("reason", string(res.Reason)))
		return 0, 0, &ExportRefusedError{ScopeID: scopeID, BrokenAtSequence: res.BrokenAtSequence, Reason: res.Reason}
	}
	return from, to, nil
}

func (x *Exporter) countFailure(format Format, err error) {
	if errors.Is(err, ErrExportRefused) {
		x.metrics.incExport(format, ResultRefused)
		return
	}
	x.metrics.incExport(format, ResultFailure)
}

func (x *Exporter) logExport(ctx context.Context, scopeID string, format Format, from, to int64) {
	x.logger.InfoContext(ctx, "audit range exported",
		slog.String("scope_id", scopeID),
		slog.String("format", string(format)),
		slog.Int64("from", from),
		slog.Int64("to", to))
}
