// Package idempotency stores the outcome of keyed requests so that a retried
// append replays the original response instead of chaining a second entry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status constants for idempotency records.
//
// StatusProcessing marks a key whose first request is still in flight.
// StatusCompleted marks a key whose response has been stored.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when reserving a key that is already held.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for a client-supplied key.
const MaxKeyLength = 64

// DefaultTTL is how long a completed response is replayed.
const DefaultTTL = 24 * time.Hour

// Record is a stored idempotency key with its cached response.
type Record struct {
	Key         string    `json:"key"`
	Method      string    `json:"method"`
	Route       string    `json:"route"`
	RequestHash string    `json:"request_hash"`
	Status      string    `json:"status"`
	StatusCode  int       `json:"status_code,omitempty"`
	Body        string    `json:"body,omitempty"`
	BodyHash    string    `json:"body_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ValidateKey checks a client-supplied key.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c < 0x21 || c > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// StorageKey namespaces a client key by actor, method and route so that two
// callers cannot collide on the same key.
func StorageKey(actorID, method, route, key string) string {
	sum := sha256.Sum256([]byte(actorID + "\x00" + method + "\x00" + route + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Hash returns the hex SHA-256 of b. It fingerprints request and response
// bodies.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store persists idempotency records.
type Store interface {
	// Reserve claims rec.Key in the processing state for ttl. When the key
	// is already held it returns the existing record and ErrKeyExists.
	Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, error)

	// Complete replaces the reservation with the final response.
	Complete(ctx context.Context, rec *Record, ttl time.Duration) error

	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}
