package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier reports an external id that is not a well-formed key
	// for the active storage engine.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrPreconditionFailed reports a conditional write that matched no record:
	// the record is missing or not in the required state.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrMissingRequiredField reports a request lacking its mandatory payload.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrNotFound reports a point lookup with no matching record.
	ErrNotFound = errors.New("record not found")
	// ErrFeedInvalidated ends a change feed; the caller must re-subscribe.
	ErrFeedInvalidated = errors.New("change feed invalidated")
	// ErrStreamConsumerGone is the internal signal that a stream's consumer
	// cancelled. It is never reported to callers.
	ErrStreamConsumerGone = errors.New("stream consumer gone")
	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage error")
	// ErrStorageUnavailable matches storage errors caused by connectivity or timeouts.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// StorageError wraps a failure reported by the backing engine.
type StorageError struct {
	Op          string
	Unavailable bool
	Err         error
}

// NewStorageError wraps err as a storage failure of op.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// NewUnavailableError wraps err as a connectivity failure of op.
func NewUnavailableError(op string, err error) *StorageError {
	return &StorageError{Op: op, Unavailable: true, Err: err}
}

func (e *StorageError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is match the storage sentinels.
func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrStorage:
		return true
	case ErrStorageUnavailable:
		return e.Unavailable
	}
	return false
}
