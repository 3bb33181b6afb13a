package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store with in-memory storage. Expired records are
// ignored on read and removed by DeleteExpired.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewInMemoryStore creates a new in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Reserve claims rec.Key unless a live record holds it.
func (s *InMemoryStore) Reserve(_ context.Context, rec *Record, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[rec.Key]; ok && now.Before(existing.ExpiresAt) {
		return copyRecord(existing), ErrKeyExists
	}

	stored := copyRecord(rec)
	stored.Status = StatusProcessing
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(ttl)
	s.records[rec.Key] = stored
	return nil, nil
}

// Complete stores the final response for rec.Key.
func (s *InMemoryStore) Complete(_ context.Context, rec *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := copyRecord(rec)
	stored.Status = StatusCompleted
	if existing, ok := s.records[rec.Key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.ExpiresAt = now.Add(ttl)
	s.records[rec.Key] = stored
	return nil
}

// Release removes the record for key.
func (s *InMemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Get returns the live record for key.
func (s *InMemoryStore) Get(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		return nil, ErrKeyNotFound
	}
	return copyRecord(rec), nil
}

// DeleteExpired removes records past their expiry and returns how many were
// removed.
func (s *InMemoryStore) DeleteExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored records, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func copyRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	copied := *rec
	return &copied
}
