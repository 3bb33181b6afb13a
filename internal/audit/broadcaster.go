package audit

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the number of entries queued per subscriber.
const DefaultSubscriberBuffer = 64

// Subscription receives entries appended to one scope. C is closed when
// the subscription ends, either by Unsubscribe or because the subscriber
// fell too far behind.
type Subscription struct {
	C       <-chan *Entry
	ch      chan *Entry
	scopeID string
	once    sync.Once
}

// Broadcaster fans newly appended entries out to live subscribers. It
// implements Notifier and never blocks the appender: a subscriber whose
// buffer is full is dropped.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]bool // scopeID -> subscriptions
	buffer int
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. A buffer of 0 selects the default.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]bool),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers interest in a scope.
func (b *Broadcaster) Subscribe(scopeID string) *Subscription {
	ch := make(chan *Entry, b.buffer)
	sub := &Subscription{C: ch, ch: ch, scopeID: scopeID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[scopeID] == nil {
		b.subs[scopeID] = make(map[*Subscription]bool)
	}
	b.subs[scopeID][sub] = true
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// remove must be called with b.mu held for writing.
func (b *Broadcaster) remove(sub *Subscription) {
	if subs, ok := b.subs[sub.scopeID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.scopeID)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Notify delivers e to every subscriber of its scope.
func (b *Broadcaster) Notify(e *Entry) {
	var slow []*Subscription

	b.mu.RLock()
	for sub := range b.subs[e.ScopeID] {
		select {
		case sub.ch <- e:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	b.mu.Lock()
	for _, sub := range slow {
		b.remove(sub)
	}
	b.mu.Unlock()
	b.logger.Warn("dropped slow audit stream subscribers",
		slog.String("scope_id", e.ScopeID),
		slog.Int("count", len(slow)))
}

// SubscriberCount returns the number of live subscribers of a scope.
func (b *Broadcaster) SubscriberCount(scopeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[scopeID])
}
