package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultAsyncTimeout bounds a detached RecordAsync call.
const DefaultAsyncTimeout = 10 * time.Second

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// StrictTaxonomy rejects event and resource types outside the known
	// vocabulary at the call site.
	StrictTaxonomy bool
	AsyncTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
	Now            func() time.Time
}

// RecordResult is delivered on the channel returned by RecordAsync.
type RecordResult struct {
	ID  string
	Err error
}

// Recorder is the entry point for business code. Events with a scope go
// through the Appender into the hash chain; events without one go to the
// flat log.
type Recorder struct {
	appender     *Appender
	flat         FlatStore
	strict       bool
	asyncTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

// NewRecorder creates a Recorder. flat may be nil, in which case scope-less
// events are rejected with ErrScopeRequired.
func NewRecorder(appender *Appender, flat FlatStore, cfg RecorderConfig) (*Recorder, error) {
	if appender == nil {
		return nil, fmt.Errorf("recorder requires an appender: %w", ErrNilRepository)
	}
	r := &Recorder{
		appender:     appender,
		flat:         flat,
		strict:       cfg.StrictTaxonomy,
		asyncTimeout: cfg.AsyncTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if r.asyncTimeout <= 0 {
		r.asyncTimeout = DefaultAsyncTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Record stores the event and returns the new entry's id.
func (r *Recorder) Record(ctx context.Context, req Request) (string, error) {
	_, id, err := r.RecordEntry(ctx, req)
	return id, err
}

// RecordEntry is Record for callers that need the chained entry itself.
// A request without a scope is stored in the flat log and returns a nil
// entry with the flat event's id.
func (r *Recorder) RecordEntry(ctx context.Context, req Request) (*Entry, string, error) {
	if err := r.validate(req); err != nil {
		return nil, "", err
	}
	if req.ScopeID == "" {
		id, err := r.recordFlat(ctx, req)
		return nil, id, err
	}
	entry, err := r.appender.Append(ctx, req.ScopeID, req.draft())
	if err != nil {
		return nil, "", err
	}
	return entry, entry.ID, nil
}

func (r *Recorder) recordFlat(ctx context.Context, req Request) (string, error) {
	if r.flat == nil {
		return "", ErrScopeRequired
	}
	metadata, err := NormalizeMetadata(req.Metadata)
	if err != nil {
		return "", err
	}
	client := ClientContext{IPAddress: req.IPAddress, UserAgent: req.UserAgent}
	if r.appender.anonIP && client.IPAddress != "" {
		client.IPAddress = AnonymizeIP(client.IPAddress)
	}
	ev := &FlatEvent{
		ID:           uuid.NewString(),
		EventType:    req.EventType,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		ActorID:      req.ActorID,
		Metadata:     metadata,
		Client:       client,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.flat.Insert(ctx, ev); err != nil {
		return "", storageErr("flat insert", err)
	}
	r.metrics.incFallback()
	return ev.ID, nil
}

// RecordBestEffort records the event and returns "" instead of an error.
// Failures are logged and counted; use it only where losing an audit event
// is acceptable.
func (r *Recorder) RecordBestEffort(ctx context.Context, req Request) string {
	id, err := r.Record(ctx, req)
	if err != nil {
		r.metrics.incDropped()
		r.logger.ErrorContext(ctx, "failed to record audit event",
			slog.String("scope_id", req.ScopeID),
			slog.String("event_type", string(req.EventType)),
			slog.String("error", err.Error()))
		return ""
	}
	return id
}

// RecordAsync records the event on a separate goroutine, detached from the
// caller's cancellation but bounded by the configured timeout. The returned
// channel receives exactly one result and is then closed.
func (r *Recorder) RecordAsync(ctx context.Context, req Request) <-chan RecordResult {
	out := make(chan RecordResult, 1)
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.asyncTimeout)

	go func() {
		defer cancel()
		id, err := r.Record(detached, req)
		if err != nil {
			r.metrics.incDropped()
			r.logger.ErrorContext(detached, "failed to record audit event asynchronously",
				slog.String("scope_id", req.ScopeID),
				slog.String("event_type", string(req.EventType)),
				slog.String("error", err.Error()))
		}
		out <- RecordResult{ID: id, Err: err}
		close(out)
	}()
	return out
}

func (r *Recorder) validate(req Request) error {
	if req.EventType == "" {
		return ErrEventTypeRequired
	}
	if !r.strict {
		return nil
	}
	if !req.EventType.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, req.EventType)
	}
	if req.ResourceType != "" && !req.ResourceType.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownResourceType, req.ResourceType)
	}
	return nil
}
