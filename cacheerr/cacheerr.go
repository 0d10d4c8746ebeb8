// Package cacheerr defines the error taxonomy surfaced by the cache. Callers
// match the sentinels with errors.Is and the concrete types with errors.As.
package cacheerr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. Every concrete error type below reports
// true for exactly one of them.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrRemoteUnavailable  = errors.New("remote unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// NotFoundError reports that the requested entity does not exist upstream.
// It is never retried automatically.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return "cache: not found"
	}
	return fmt.Sprintf("cache: %s not found", e.Key)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports a caller-side precondition failure such as a
// malformed key, an invalid handler, or a rejected write.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "cache: invalid"
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

// RemoteUnavailableError reports a transient backend or transport failure.
// Cache state is never mutated when it is returned; callers may retry.
type RemoteUnavailableError struct {
	Op  string
	Err error
}

func (e *RemoteUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cache: remote %s unavailable", e.Op)
	}
	return fmt.Sprintf("cache: remote %s unavailable: %v", e.Op, e.Err)
}

// Is reports whether target is ErrRemoteUnavailable.
func (e *RemoteUnavailableError) Is(target error) bool { return target == ErrRemoteUnavailable }

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// StorageUnavailableError reports that durable persistence is degraded. It is
// informational: the in-memory layer keeps working without it.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cache: storage %s unavailable", e.Op)
	}
	return fmt.Sprintf("cache: storage %s unavailable: %v", e.Op, e.Err)
}

// Is reports whether target is ErrStorageUnavailable.
func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// NotFound returns a NotFoundError for key.
func NotFound(key string) error { return &NotFoundError{Key: key} }

// Invalid returns a ValidationError for field with the given reason.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRetryable reports whether err is worth retrying. Only remote failures
// qualify; everything else is either permanent or non-fatal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// IsClassified reports whether err already belongs to the taxonomy.
func IsClassified(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrRemoteUnavailable) ||
		errors.Is(err, ErrStorageUnavailable)
}
