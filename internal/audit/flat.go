package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/auditchain/internal/tracing"
)

// FlatEvent is an unordered, unchained audit record for events that have
// no scope. Flat events carry no tamper evidence.
type FlatEvent struct {
	ID           string         `json:"id"`
	EventType    EventType      `json:"event_type"`
	ResourceType ResourceType   `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Client       ClientContext  `json:"client_context"`
	CreatedAt    time.Time      `json:"created_at"`
}

// FlatStore persists scope-less events.
type FlatStore interface {
	// Insert records an event.
	Insert(ctx context.Context, ev *FlatEvent) error

	// QueryByResource returns events for a resource, newest first.
	// Limit specifies the maximum number of events to return (0 = no limit).
	QueryByResource(ctx context.Context, resourceType ResourceType, resourceID string, limit int) ([]*FlatEvent, error)

	// QueryByActor returns events performed by an actor, newest first.
	// Limit specifies the maximum number of events to return (0 = no limit).
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*FlatEvent, error)
}

// InMemoryFlatStore is an in-memory FlatStore for tests and development.
type InMemoryFlatStore struct {
	mu     sync.RWMutex
	events []*FlatEvent
}

// NewInMemoryFlatStore creates an empty store.
func NewInMemoryFlatStore() *InMemoryFlatStore {
	return &InMemoryFlatStore{}
}

// Insert stores a copy of ev.
func (s *InMemoryFlatStore) Insert(ctx context.Context, ev *FlatEvent) error {
	if err := ctx.Err(); err != nil {
		return storageErr("flat insert", err)
	}
	evCopy := *ev
	s.mu.Lock()
	s.events = append(s.events, &evCopy)
	s.mu.Unlock()
	return nil
}

// QueryByResource returns matching events, newest first.
func (s *InMemoryFlatStore) QueryByResource(ctx context.Context, resourceType ResourceType, resourceID string, limit int) ([]*FlatEvent, error) {
	return s.query(limit, func(ev *FlatEvent) bool {
		return ev.ResourceType == resourceType && ev.ResourceID == resourceID
	}), nil
}

// QueryByActor returns matching events, newest first.
func (s *InMemoryFlatStore) QueryByActor(ctx context.Context, actorID string, limit int) ([]*FlatEvent, error) {
	return s.query(limit, func(ev *FlatEvent) bool {
		return ev.ActorID == actorID
	}), nil
}

func (s *InMemoryFlatStore) query(limit int, match func(*FlatEvent) bool) []*FlatEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*FlatEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !match(ev) {
			continue
		}
		evCopy := *ev
		results = append(results, &evCopy)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// SQLFlatStore stores flat events in the audit_flat_logs table.
type SQLFlatStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLFlatStore creates a flat store for the given dialect.
func NewSQLFlatStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLFlatStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLFlatStore{db: db, dialect: dialect, logger: logger}
}

const flatColumns = `id, event_type, resource_type, resource_id, actor_id, metadata,
	ip_address, user_agent, created_at`

// Insert writes ev.
func (s *SQLFlatStore) Insert(ctx context.Context, ev *FlatEvent) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_flat_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	metadata, err := encodeMetadataJSON(ev.Metadata)
	if err != nil {
		return err
	}
	query := s.dialect.rebind(`INSERT INTO audit_flat_logs (` + flatColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, string(ev.EventType), string(ev.ResourceType), ev.ResourceID, ev.ActorID,
		metadata, ev.Client.IPAddress, ev.Client.UserAgent, s.dialect.timeArg(ev.CreatedAt))
	if err != nil {
		return storageErr("flat insert", err)
	}
	return nil
}

// QueryByResource returns matching events, newest first.
func (s *SQLFlatStore) QueryByResource(ctx context.Context, resourceType ResourceType, resourceID string, limit int) ([]*FlatEvent, error) {
	return s.query(ctx, `resource_type = ? AND resource_id = ?`, limit, string(resourceType), resourceID)
}

// QueryByActor returns matching events, newest first.
func (s *SQLFlatStore) QueryByActor(ctx context.Context, actorID string, limit int) ([]*FlatEvent, error) {
	return s.query(ctx, `actor_id = ?`, limit, actorID)
}

func (s *SQLFlatStore) query(ctx context.Context, where string, limit int, args ...any) (events []*FlatEvent, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, string(s.dialect), "audit_flat_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + flatColumns + ` FROM audit_flat_logs WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("flat query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev           FlatEvent
			eventType    string
			resourceType string
			metadata     string
			created      dbTime
		)
		if err := rows.Scan(&ev.ID, &eventType, &resourceType, &ev.ResourceID, &ev.ActorID,
			&metadata, &ev.Client.IPAddress, &ev.Client.UserAgent, &created); err != nil {
			return nil, storageErr("flat query", err)
		}
		ev.EventType = ParseEventType(eventType)
		ev.ResourceType = ParseResourceType(resourceType)
		ev.CreatedAt = created.Time
		if ev.Metadata, err = decodeMetadataJSON([]byte(metadata)); err != nil {
			return nil, storageErr("flat query", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("flat query", err)
	}
	return events, nil
}
