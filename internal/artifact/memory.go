package artifact

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory. Used for tests and
// development when no bucket is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	objects   map[string]Object
	urlExpiry time.Duration
	timeNow   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]Object),
		urlExpiry: DefaultURLExpiry,
		timeNow:   time.Now,
	}
}

// Put stores a copy of obj, replacing any object with the same key.
func (m *MemoryStore) Put(ctx context.Context, obj Object) error {
	if obj.Key == "" {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := obj
	stored.Body = append([]byte(nil), obj.Body...)
	m.mu.Lock()
	m.objects[obj.Key] = stored
	m.mu.Unlock()
	return nil
}

// PresignGet returns a memory:// URL for an existing key.
func (m *MemoryStore) PresignGet(ctx context.Context, key string) (*SignedURL, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &SignedURL{
		URL:       "memory://" + key,
		Key:       key,
		ExpiresAt: m.timeNow().Add(m.urlExpiry),
	}, nil
}

// Get returns the stored object.
func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys lists stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
