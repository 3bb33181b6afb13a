package audit

import (
	"context"
	"testing"
	"time"
)

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func newTestAppender(t *testing.T, repo Repository) *Appender {
	t.Helper()
	appender, err := NewAppender(repo, DefaultAppenderConfig())
	if err != nil {
		t.Fatalf("NewAppender() error = %v", err)
	}
	return appender
}

func newTestVerifier(t *testing.T, repo Repository) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(repo, VerifierConfig{BatchSize: 3})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return verifier
}

// appendN appends n events to scopeID and returns them.
func appendN(t *testing.T, appender *Appender, scopeID string, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := appender.Append(context.Background(), scopeID, Draft{
			EventType:    EventDocumentViewed,
			ResourceType: ResourceDocument,
			ResourceID:   "doc-1",
			ActorID:      "user-1",
			Metadata:     map[string]any{"index": i, "note": "view"},
		})
		if err != nil {
			t.Fatalf("Append() #%d error = %v", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries
}

// tamper rewrites a stored entry in place, bypassing the repository API.
func tamper(t *testing.T, repo *InMemoryRepository, scopeID string, seq int64, mutate func(*Entry)) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	s, ok := repo.scopes[scopeID]
	if !ok {
		t.Fatalf("scope %q not found", scopeID)
	}
	for _, e := range s.entries {
		if e.Sequence == seq {
			mutate(e)
			return
		}
	}
	t.Fatalf("entry %s/%d not found", scopeID, seq)
}

// removeEntry deletes a stored entry, bypassing the repository API.
func removeEntry(t *testing.T, repo *InMemoryRepository, scopeID string, seq int64) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	s := repo.scopes[scopeID]
	for i, e := range s.entries {
		if e.Sequence == seq {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
	t.Fatalf("entry %s/%d not found", scopeID, seq)
}
