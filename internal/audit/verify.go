package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/auditchain/internal/tracing"
)

// FindingReason classifies a verification failure.
type FindingReason string

const (
	// ReasonHashMismatch means the recomputed hash differs from the stored one,
	// or the stored prev hash does not point at the preceding entry.
	ReasonHashMismatch FindingReason = "HASH_MISMATCH"
	// ReasonSequenceGap means a sequence number is missing. The finding
	// carries the missing number.
	ReasonSequenceGap FindingReason = "SEQUENCE_GAP"
	// ReasonSequenceDuplicate means a sequence number occurs more than once.
	ReasonSequenceDuplicate FindingReason = "SEQUENCE_DUPLICATE"
)

// Finding is one break detected in a chain.
type Finding struct {
	Sequence int64         `json:"sequence_number"`
	Reason   FindingReason `json:"reason"`
	Detail   string        `json:"detail,omitempty"`
}

// VerificationResult is the outcome of checking a range of a scope. A broken
// chain is a result, not an error.
type VerificationResult struct {
	ScopeID          string        `json:"scope_id"`
	FromSequence     int64         `json:"from_sequence"`
	ToSequence       int64         `json:"to_sequence"`
	Valid            bool          `json:"valid"`
	CheckedCount     int64         `json:"checked_count"`
	BrokenAtSequence int64         `json:"broken_at_sequence,omitempty"`
	Reason           FindingReason `json:"reason,omitempty"`
	Detail           string        `json:"detail,omitempty"`
	// HeadHash is the hash of the last entry in the range; set when Valid.
	HeadHash   *Hash     `json:"head_hash,omitempty"`
	Findings   []Finding `json:"findings,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// VerifyOptions tunes a verification run.
type VerifyOptions struct {
	// ContinueOnBreak keeps checking after the first finding and reports
	// every broken entry.
	ContinueOnBreak bool
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	BatchSize int
	Logger    *slog.Logger
	Metrics   *Metrics
	Now       func() time.Time
}

// Verifier recomputes a scope's chain from storage. It never writes.
type Verifier struct {
	repo      Repository
	batchSize int
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewVerifier creates a Verifier over repo.
func NewVerifier(repo Repository, cfg VerifierConfig) (*Verifier, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	v := &Verifier{
		repo:      repo,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if v.batchSize <= 0 {
		v.batchSize = DefaultScanBatchSize
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

var errStopScan = errors.New("stop scan")

// Verify checks the entries of scopeID in r. The upper bound is resolved
// against the tail once, at the start; entries appended afterwards are not
// part of the run. Storage failures are returned as *StorageError.
func (v *Verifier) Verify(ctx context.Context, scopeID string, r Range, opts VerifyOptions) (res *VerificationResult, err error) {
	if scopeID == "" {
		return nil, ErrScopeRequired
	}

	ctx, endSpan := tracing.StartSpan(ctx, "audit.verify")
	defer func() { endSpan(err) }()

	from, to, err := v.resolveRange(ctx, scopeID, r)
	if err != nil {
		return nil, err
	}

	w := &chainWalker{
		scopeID:  scopeID,
		expected: from,
		prev:     GenesisHash(),
		cont:     opts.ContinueOnBreak,
	}

	if to >= from && from > 1 {
		anchor, err := v.repo.Get(ctx, scopeID, from-1)
		switch {
		case errors.Is(err, ErrEntryNotFound):
			w.report(from-1, ReasonSequenceGap, "entry preceding the range is missing")
			w.anchorFromEntry = true
		case err != nil:
			return nil, storageErr("get anchor", err)
		default:
			w.prev = anchor.EntryHash
		}
	}

	if to >= from && (w.cont || len(w.findings) == 0) {
		err = v.repo.Scan(ctx, scopeID, from, to, v.batchSize, w.visit)
		if err != nil && !errors.Is(err, errStopScan) {
			return nil, storageErr("scan", err)
		}
		w.finish(to)
	}

	res = w.result(from, to)
	res.VerifiedAt = v.now().UTC()

	tracing.SetAttributes(ctx,
		attribute.String("audit.scope_id", scopeID),
		attribute.Int64("audit.checked", res.CheckedCount),
		attribute.Bool("audit.valid", res.Valid))

	if res.Valid {
		v.metrics.observeVerification(ResultSuccess, res.CheckedCount)
	} else {
		v.metrics.observeVerification(ResultBroken, res.CheckedCount)
		v.logger.WarnContext(ctx, "audit chain verification failed",
			slog.String("scope_id", scopeID),
			slog.Int64("broken_at_sequence", res.BrokenAtSequence),
			slog.String("reason", string(res.Reason)),
			slog.Int("findings", len(res.Findings)))
	}
	return res, nil
}

// resolveRange applies defaults and clamps the upper bound to the tail.
// For an empty scope it returns to = from - 1.
func (v *Verifier) resolveRange(ctx context.Context, scopeID string, r Range) (from, to int64, err error) {
	if r.From < 0 || r.To < 0 || (r.To > 0 && r.From > r.To) {
		return 0, 0, ErrInvalidRange
	}
	from = max(r.From, 1)

	tail, found, err := v.repo.Tail(ctx, scopeID)
	if err != nil {
		return 0, 0, storageErr("tail", err)
	}
	if !found {
		return from, from - 1, nil
	}
	to = tail.Sequence
	if r.To > 0 && r.To < to {
		to = r.To
	}
	if from > to {
		return 0, 0, fmt.Errorf("%w: from %d is past the last entry %d", ErrInvalidRange, from, to)
	}
	return from, to, nil
}

// chainWalker holds the running state of one verification pass.
type chainWalker struct {
	scopeID  string
	cont     bool
	expected int64
	prev     Hash
	// when the anchor entry is missing, trust the first entry's stored prev
	anchorFromEntry bool

	visited  bool
	lastSeq  int64
	lastHash Hash
	checked  int64
	findings []Finding
}

func (w *chainWalker) report(seq int64, reason FindingReason, detail string) {
	w.findings = append(w.findings, Finding{Sequence: seq, Reason: reason, Detail: detail})
}

func (w *chainWalker) stop() bool {
	return !w.cont && len(w.findings) > 0
}

func (w *chainWalker) visit(e *Entry) error {
	if w.visited && e.Sequence == w.lastSeq {
		w.report(e.Sequence, ReasonSequenceDuplicate, fmt.Sprintf("entry %s repeats sequence number %d", e.ID, e.Sequence))
		if w.stop() {
			return errStopScan
		}
		return nil
	}

	if e.Sequence != w.expected {
		w.report(w.expected, ReasonSequenceGap, fmt.Sprintf("expected sequence %d, found %d", w.expected, e.Sequence))
		if w.stop() {
			return errStopScan
		}
		w.prev = e.PrevHash
	} else if w.anchorFromEntry {
		w.prev = e.PrevHash
	}
	w.anchorFromEntry = false

	w.checked++
	w.visited = true
	w.lastSeq = e.Sequence
	w.expected = e.Sequence + 1

	computed, err := w.recompute(e)
	switch {
	case err != nil:
		w.report(e.Sequence, ReasonHashMismatch, "entry cannot be encoded: "+err.Error())
	case e.ScopeID != w.scopeID:
		w.report(e.Sequence, ReasonHashMismatch, fmt.Sprintf("entry belongs to scope %q", e.ScopeID))
	case e.PrevHash != w.prev:
		w.report(e.Sequence, ReasonHashMismatch, fmt.Sprintf("prev_hash %s does not link to %s", e.PrevHash, w.prev))
	case computed != e.EntryHash:
		w.report(e.Sequence, ReasonHashMismatch, fmt.Sprintf("stored hash %s, recomputed %s", e.EntryHash, computed))
	}

	w.prev = computed
	w.lastHash = e.EntryHash
	if w.stop() {
		return errStopScan
	}
	return nil
}

func (w *chainWalker) recompute(e *Entry) (Hash, error) {
	h, err := HashEntry(w.prev, e)
	if err != nil {
		// keep the chain moving so later entries are still compared
		return ComputeHash(w.prev, []byte(e.ID)), err
	}
	return h, nil
}

// finish reports entries missing at the end of the range.
func (w *chainWalker) finish(to int64) {
	if w.stop() {
		return
	}
	if w.expected <= to {
		w.report(w.expected, ReasonSequenceGap, fmt.Sprintf("entries %d..%d are missing", w.expected, to))
	}
}

func (w *chainWalker) result(from, to int64) *VerificationResult {
	res := &VerificationResult{
		ScopeID:      w.scopeID,
		FromSequence: from,
		ToSequence:   to,
		Valid:        len(w.findings) == 0,
		CheckedCount: w.checked,
		Findings:     w.findings,
	}
	if !res.Valid {
		first := w.findings[0]
		res.BrokenAtSequence = first.Sequence
		res.Reason = first.Reason
		res.Detail = first.Detail
	} else if w.visited {
		head := w.lastHash
		res.HeadHash = &head
	}
	return res
}
