// Package audit implements a tamper-evident audit trail. Every entry in a
// scope is linked to its predecessor by a SHA-256 commitment, so any edit,
// deletion or reordering of history can be detected by recomputation.
package audit

import (
	"time"
)

// ClientContext carries optional information about the caller that
// triggered an event.
type ClientContext struct {
	IPAddress string `json:"ip_address,omitempty" cbor:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty" cbor:"user_agent,omitempty"`
}

// Entry is a single persisted, immutable audit record.
type Entry struct {
	// ID identifies the entry to callers. It is not part of the hash.
	ID           string         `json:"id" cbor:"id"`
	ScopeID      string         `json:"scope_id" cbor:"scope_id"`
	Sequence     int64          `json:"sequence_number" cbor:"sequence_number"`
	EventType    EventType      `json:"event_type" cbor:"event_type"`
	ResourceType ResourceType   `json:"resource_type,omitempty" cbor:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty" cbor:"resource_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty" cbor:"actor_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Client       ClientContext  `json:"client_context" cbor:"client_context"`
	CreatedAt    time.Time      `json:"created_at" cbor:"created_at"`
	PrevHash     Hash           `json:"prev_hash" cbor:"prev_hash"`
	EntryHash    Hash           `json:"entry_hash" cbor:"entry_hash"`
}

// Draft is the caller-supplied part of an entry. The appender assigns the
// sequence number, timestamp and hashes.
type Draft struct {
	EventType    EventType
	ResourceType ResourceType
	ResourceID   string
	ActorID      string
	Metadata     map[string]any
	Client       ClientContext
}

// Tail describes the most recent entry of a scope.
type Tail struct {
	Sequence  int64
	Hash      Hash
	CreatedAt time.Time
}

// Range selects an inclusive span of sequence numbers. Zero values mean
// "from the first entry" and "up to the latest entry".
type Range struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

// clone returns a copy of e that does not share the metadata map.
func (e *Entry) clone() *Entry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = cloneMap(e.Metadata)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
