package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrNilRepository is returned when a component is built without a repository.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrScopeRequired is returned when a chained operation has no scope.
	ErrScopeRequired = errors.New("scope ID cannot be empty")
	// ErrEventTypeRequired is returned when an event has no type.
	ErrEventTypeRequired = errors.New("event type cannot be empty")
	// ErrUnknownEventType is returned by a strict recorder for unknown event types.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnknownResourceType is returned by a strict recorder for unknown resource types.
	ErrUnknownResourceType = errors.New("unknown resource type")
	// ErrSequenceConflict is returned by a repository when the sequence number
	// is already taken in the scope.
	ErrSequenceConflict = errors.New("sequence number already exists in scope")
	// ErrAppendConflictExhausted is returned when an append lost the race for a
	// sequence number on every attempt.
	ErrAppendConflictExhausted = errors.New("append retries exhausted on sequence conflicts")
	// ErrEntryNotFound is returned when a requested entry does not exist.
	ErrEntryNotFound = errors.New("audit entry not found")
	// ErrInvalidRange is returned for a range whose start lies after its end.
	ErrInvalidRange = errors.New("invalid sequence range")
	// ErrEmptyScope is returned when an export targets a scope with no entries.
	ErrEmptyScope = errors.New("scope has no entries")
	// ErrRangeTooLarge is returned when an in-memory export exceeds its limit.
	ErrRangeTooLarge = errors.New("export range exceeds the configured maximum")
	// ErrExportRefused matches every *ExportRefusedError.
	ErrExportRefused = errors.New("export refused: chain failed verification")
	// ErrUnsupportedFormat is returned for unknown bundle formats.
	ErrUnsupportedFormat = errors.New("unsupported bundle format")
	// ErrUnsupportedVersion is returned for bundles with an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported bundle format version")
)

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ExportRefusedError is returned when an export range does not verify.
type ExportRefusedError struct {
	ScopeID          string
	BrokenAtSequence int64
	Reason           FindingReason
}

func (e *ExportRefusedError) Error() string {
	return fmt.Sprintf("export refused: scope %s broken at sequence %d (%s)", e.ScopeID, e.BrokenAtSequence, e.Reason)
}

// Is makes errors.Is(err, ErrExportRefused) hold.
func (e *ExportRefusedError) Is(target error) bool {
	return target == ErrExportRefused
}
