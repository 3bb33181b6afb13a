package audit

import (
	"context"
	"math"
	"sort"
	"sync"
)

// DefaultScanBatchSize is the number of entries a Scan reads per round trip.
const DefaultScanBatchSize = 500

// Repository is the durable store behind the chain. Implementations must
// reject a second entry with the same (scope, sequence) pair by returning
// ErrSequenceConflict, and must never modify or delete stored entries.
type Repository interface {
	// Tail returns the entry with the highest sequence number in the scope.
	// The boolean is false for an empty scope.
	Tail(ctx context.Context, scopeID string) (Tail, bool, error)

	// Insert persists a fully built entry.
	Insert(ctx context.Context, e *Entry) error

	// Get returns the entry with the given sequence number, or ErrEntryNotFound.
	Get(ctx context.Context, scopeID string, seq int64) (*Entry, error)

	// Scan calls fn for every entry with from <= sequence <= to in ascending
	// order, reading batchSize entries at a time. A to of 0 means no upper bound.
	// Scan stops at the first error returned by fn and returns it.
	Scan(ctx context.Context, scopeID string, from, to int64, batchSize int, fn func(*Entry) error) error

	// Scopes lists every scope that has at least one entry.
	Scopes(ctx context.Context) ([]string, error)

	// QueryByActor returns entries of any scope performed by an actor,
	// newest first. Limit specifies the maximum number of entries to
	// return (0 = no limit).
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*Entry, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	scopes map[string]*memoryScope
}

type memoryScope struct {
	// sorted by Sequence
	entries []*Entry
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		scopes: make(map[string]*memoryScope),
	}
}

// Tail returns the latest entry summary for the scope.
func (r *InMemoryRepository) Tail(ctx context.Context, scopeID string) (Tail, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tail{}, false, storageErr("tail", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scopes[scopeID]
	if !ok || len(s.entries) == 0 {
		return Tail{}, false, nil
	}
	last := s.entries[len(s.entries)-1]
	return Tail{Sequence: last.Sequence, Hash: last.EntryHash, CreatedAt: last.CreatedAt}, true, nil
}

// Insert stores a copy of e.
func (r *InMemoryRepository) Insert(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return storageErr("insert", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scopes[e.ScopeID]
	if !ok {
		s = &memoryScope{}
		r.scopes[e.ScopeID] = s
	}

	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Sequence >= e.Sequence
	})
	if idx < len(s.entries) && s.entries[idx].Sequence == e.Sequence {
		return ErrSequenceConflict
	}

	s.entries = append(s.entries, nil)
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e.clone()
	return nil
}

// Get returns a copy of the entry at seq.
func (r *InMemoryRepository) Get(ctx context.Context, scopeID string, seq int64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scopes[scopeID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Sequence >= seq
	})
	if idx == len(s.entries) || s.entries[idx].Sequence != seq {
		return nil, ErrEntryNotFound
	}
	return s.entries[idx].clone(), nil
}

// Scan walks the range in batches. The lock is released while fn runs so
// callbacks may append to the same repository.
func (r *InMemoryRepository) Scan(ctx context.Context, scopeID string, from, to int64, batchSize int, fn func(*Entry) error) error {
	if batchSize <= 0 {
		batchSize = DefaultScanBatchSize
	}
	if to <= 0 {
		to = math.MaxInt64
	}

	cursor := from - 1
	for {
		if err := ctx.Err(); err != nil {
			return storageErr("scan", err)
		}

		batch := r.readBatch(scopeID, cursor, to, batchSize)
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
		cursor = batch[len(batch)-1].Sequence
	}
}

// readBatch copies up to batchSize entries with after < sequence <= to.
func (r *InMemoryRepository) readBatch(scopeID string, after, to int64, batchSize int) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scopes[scopeID]
	if !ok {
		return nil
	}
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Sequence > after
	})

	var batch []*Entry
	for ; i < len(s.entries) && len(batch) < batchSize; i++ {
		e := s.entries[i]
		if e.Sequence > to {
			break
		}
		batch = append(batch, e.clone())
	}
	return batch
}

// Scopes returns the known scopes in lexical order.
func (r *InMemoryRepository) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("scopes", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.scopes))
	for id, s := range r.scopes {
		if len(s.entries) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// QueryByActor collects the actor's entries across scopes, newest first.
// Entries with equal timestamps are ordered by scope and sequence, highest
// first.
func (r *InMemoryRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("actor query", err)
	}

	r.mu.RLock()
	var results []*Entry
	for _, s := range r.scopes {
		for _, e := range s.entries {
			if e.ActorID == actorID {
				results = append(results, e.clone())
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.ScopeID != b.ScopeID {
			return a.ScopeID > b.ScopeID
		}
		return a.Sequence > b.Sequence
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
