package dispatch

import (
	"context"
	"errors"

	"wasched/internal/transport"
)

// ErrContactNotFound is a terminal dispatch failure: the schedule references
// a contact the cache cannot resolve. Never retried.
var ErrContactNotFound = errors.New("contact not found")

// TransientError marks a transport failure worth retrying (timeouts,
// navigation hiccups, flaky DOM state).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient transport error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a transport failure that retrying cannot fix
// (invalid contact, rejected payload).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent transport error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable classifies a transport error. Unknown errors default to
// retryable: the automation session fails in creative transient ways, and
// a spurious retry is cheaper than a silently dropped message.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrContactNotFound) {
		return false
	}
	if errors.Is(err, transport.ErrNotReady) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
