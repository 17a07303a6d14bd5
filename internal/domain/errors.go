package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperationType is returned by the registry for an operation
	// type with no registered workflow definition.
	ErrUnknownOperationType = errors.New("unknown operation type")

	// ErrConflictingOperation is returned at admission when another workflow
	// for the same subscriber is already in flight.
	ErrConflictingOperation = errors.New("conflicting operation in progress for subscriber")

	// ErrInstanceNotFound is returned when an instance id resolves to nothing.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrUnknownCapability is returned when a step spec references an adapter
	// capability nothing is registered for.
	ErrUnknownCapability = errors.New("no adapter registered for capability")

	// ErrStaleInstance is returned by compare-and-swap persistence when the
	// stored version no longer matches the working copy.
	ErrStaleInstance = errors.New("workflow instance was modified concurrently")
)

// TransientError marks a failure worth retrying: network timeouts, temporary
// external-system unavailability. Anything not wrapped is permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf is Transient over fmt.Errorf.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should be retried. Adapter call timeouts
// count as transient; the external system may simply be slow.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
