// Package artifact stores exported audit bundles and chain checkpoints in
// S3-compatible object storage (Cloudflare R2, AWS S3, MinIO) and hands out
// time-limited download URLs for them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation errors
var (
	ErrInvalidScope    = errors.New("scope ID has no characters usable in an object key")
	ErrInvalidKey      = errors.New("object key cannot be empty")
	ErrObjectNotFound  = errors.New("artifact not found")
	ErrMissingBucket   = errors.New("bucket name is required")
	ErrMissingEndpoint = errors.New("endpoint is required")
	ErrMissingKeyID    = errors.New("access key ID is required")
	ErrMissingSecret   = errors.New("secret access key is required")
)

// Object is a payload to store.
type Object struct {
	Key         string
	ContentType string
	Body        []byte
	// Metadata is attached as user metadata (x-amz-meta-*).
	Metadata map[string]string
}

// SignedURL is a pre-signed GET URL for a stored artifact.
type SignedURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists artifacts and signs download URLs for them.
type Store interface {
	Put(ctx context.Context, obj Object) error
	PresignGet(ctx context.Context, key string) (*SignedURL, error)
}

// BundleKey returns a unique key for an exported bundle.
// Pattern: exports/{scope}/{from}-{to}-{uuid}{ext}
func BundleKey(scopeID string, from, to int64, ext string) (string, error) {
	scope := sanitizePathComponent(scopeID)
	if scope == "" {
		return "", ErrInvalidScope
	}
	return fmt.Sprintf("exports/%s/%d-%d-%s%s", scope, from, to, uuid.NewString(), ext), nil
}

// CheckpointKey returns the key of the checkpoint for a scope head.
// Pattern: checkpoints/{scope}/{sequence}.json
func CheckpointKey(scopeID string, sequence int64) (string, error) {
	scope := sanitizePathComponent(scopeID)
	if scope == "" {
		return "", ErrInvalidScope
	}
	return fmt.Sprintf("checkpoints/%s/%d.json", scope, sequence), nil
}

// SanitizeName reduces s to characters safe in object keys and file names.
// It returns "" when nothing usable remains.
func SanitizeName(s string) string {
	return sanitizePathComponent(s)
}

// sanitizePathComponent removes potentially dangerous characters from path components.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	out := result.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}
