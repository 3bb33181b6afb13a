package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/auditchain/internal/tracing"
)

// Default retry policy for sequence conflicts.
const (
	DefaultMaxAttempts = 8
	DefaultBaseDelay   = 5 * time.Millisecond
	DefaultMaxDelay    = 250 * time.Millisecond
)

// RetryPolicy bounds how often an append is retried after losing the race
// for a sequence number.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Notifier is told about every entry after it has been persisted.
// Implementations must not block.
type Notifier interface {
	Notify(e *Entry)
}

// AppenderConfig configures an Appender.
type AppenderConfig struct {
	Retry RetryPolicy
	// LocalSerialization queues appends to the same scope inside this
	// process so that they rarely collide in storage.
	LocalSerialization bool
	// AnonymizeIP truncates client IP addresses before they are hashed.
	AnonymizeIP bool

	Logger   *slog.Logger
	Metrics  *Metrics
	Notifier Notifier
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultAppenderConfig returns the recommended configuration.
func DefaultAppenderConfig() AppenderConfig {
	return AppenderConfig{
		Retry:              DefaultRetryPolicy(),
		LocalSerialization: true,
	}
}

// Appender is the single writer of chained entries. It assigns sequence
// numbers, timestamps and hashes, and relies on the repository's
// (scope, sequence) uniqueness to serialize concurrent writers.
type Appender struct {
	repo     Repository
	retry    RetryPolicy
	locks    *scopeLocks
	anonIP   bool
	logger   *slog.Logger
	metrics  *Metrics
	notifier Notifier
	now      func() time.Time
}

// NewAppender creates an Appender over repo.
func NewAppender(repo Repository, cfg AppenderConfig) (*Appender, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultMaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultBaseDelay
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = max(DefaultMaxDelay, retry.BaseDelay)
	}

	a := &Appender{
		repo:     repo,
		retry:    retry,
		anonIP:   cfg.AnonymizeIP,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}
	if cfg.LocalSerialization {
		a.locks = newScopeLocks()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Append builds the next entry of the scope from d and persists it.
//
// Errors: ErrScopeRequired and ErrEventTypeRequired for missing input,
// *EncodingError when the metadata has no canonical form (nothing is
// written), ErrAppendConflictExhausted when every attempt lost the race,
// *StorageError for any other storage failure.
func (a *Appender) Append(ctx context.Context, scopeID string, d Draft) (entry *Entry, err error) {
	if scopeID == "" {
		return nil, ErrScopeRequired
	}
	if d.EventType == "" {
		return nil, ErrEventTypeRequired
	}

	ctx, endSpan := tracing.StartSpan(ctx, "audit.append")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("audit.scope_id", scopeID),
		attribute.String("audit.event_type", string(d.EventType)))

	start := time.Now()

	metadata, err := NormalizeMetadata(d.Metadata)
	if err != nil {
		a.metrics.observeAppend(ResultFailure, time.Since(start).Seconds())
		return nil, err
	}
	client := d.Client
	if a.anonIP && client.IPAddress != "" {
		client.IPAddress = AnonymizeIP(client.IPAddress)
	}

	if a.locks != nil {
		unlock, err := a.locks.lock(ctx, scopeID)
		if err != nil {
			a.metrics.observeAppend(ResultFailure, time.Since(start).Seconds())
			return nil, storageErr("lock scope", err)
		}
		defer unlock()
	}

	attempts := 0
	operation := func() error {
		attempts++
		e, err := a.tryAppend(ctx, scopeID, d, metadata, client)
		if err == nil {
			entry = e
			return nil
		}
		if errors.Is(err, ErrSequenceConflict) {
			a.metrics.incConflict()
			a.logger.DebugContext(ctx, "audit append lost sequence race",
				slog.String("scope_id", scopeID),
				slog.Int("attempt", attempts))
			return err
		}
		return backoff.Permanent(err)
	}

	err = backoff.Retry(operation, backoff.WithContext(a.retry.backOff(), ctx))
	if err != nil {
		a.metrics.observeAppend(ResultFailure, time.Since(start).Seconds())
		if errors.Is(err, ErrSequenceConflict) {
			a.logger.WarnContext(ctx, "audit append gave up after repeated conflicts",
				slog.String("scope_id", scopeID),
				slog.Int("attempts", attempts))
			return nil, fmt.Errorf("%w: scope %s after %d attempts", ErrAppendConflictExhausted, scopeID, attempts)
		}
		var encErr *EncodingError
		if errors.As(err, &encErr) {
			return nil, err
		}
		return nil, storageErr("append", err)
	}

	a.metrics.observeAppend(ResultSuccess, time.Since(start).Seconds())
	a.logger.DebugContext(ctx, "audit entry appended",
		slog.String("scope_id", scopeID),
		slog.Int64("sequence", entry.Sequence),
		slog.String("event_type", string(entry.EventType)))

	if a.notifier != nil {
		a.notifier.Notify(entry.clone())
	}
	return entry, nil
}

func (a *Appender) tryAppend(ctx context.Context, scopeID string, d Draft, metadata map[string]any, client ClientContext) (*Entry, error) {
	tail, found, err := a.repo.Tail(ctx, scopeID)
	if err != nil {
		return nil, storageErr("tail", err)
	}

	seq := int64(1)
	prev := GenesisHash()
	created := a.now().UTC().Truncate(time.Millisecond)
	if found {
		seq = tail.Sequence + 1
		prev = tail.Hash
		if created.Before(tail.CreatedAt) {
			created = tail.CreatedAt.UTC()
		}
	}

	e := &Entry{
		ID:           uuid.NewString(),
		ScopeID:      scopeID,
		Sequence:     seq,
		EventType:    d.EventType,
		ResourceType: d.ResourceType,
		ResourceID:   d.ResourceID,
		ActorID:      d.ActorID,
		Metadata:     metadata,
		Client:       client,
		CreatedAt:    created,
		PrevHash:     prev,
	}
	if e.EntryHash, err = HashEntry(prev, e); err != nil {
		return nil, err
	}

	if err := a.repo.Insert(ctx, e); err != nil {
		if errors.Is(err, ErrSequenceConflict) {
			return nil, ErrSequenceConflict
		}
		return nil, storageErr("insert", err)
	}
	return e, nil
}
