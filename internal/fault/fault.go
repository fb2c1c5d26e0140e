// Package fault defines the error taxonomy shared by all pipeline
// components. Failures are converted to one of these at component
// boundaries; the job queue is the only place retry policy lives, and it
// keys its behavior off this classification.
package fault

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStaleEvent marks a watermark-guarded no-op: the event has already
	// been folded into the summary. Not surfaced as a failure.
	ErrStaleEvent = errors.New("stale event")

	// ErrDuplicateJob marks an enqueue that matched an active job with the
	// same idempotency key. Not an error: callers receive the existing
	// job ID and may detect the condition with errors.Is for observability.
	ErrDuplicateJob = errors.New("duplicate job")
)

// TransientError wraps an upstream failure worth retrying with backoff:
// timeouts, rate limits, unavailable dependencies.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient upstream error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying cannot fix (e.g. empty
// unembeddable input, invalid notification destination). Jobs failing
// permanently are dead-lettered immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ConsistencyError marks an invariant violation, such as a similarity query
// returning another owner's decision. Fatal for the offending operation:
// never retried, never silently corrected, always surfaced loudly.
type ConsistencyError struct {
	Err error
}

func (e *ConsistencyError) Error() string { return "consistency violation: " + e.Err.Error() }
func (e *ConsistencyError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf is Transient with formatting.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent with formatting.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Consistency wraps err as a fatal invariant violation.
func Consistency(err error) error {
	if err == nil {
		return nil
	}
	return &ConsistencyError{Err: err}
}

// Consistencyf is Consistency with formatting.
func Consistencyf(format string, args ...any) error {
	return &ConsistencyError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should be retried with backoff. Context
// deadline expiry on an upstream call counts as transient; anything marked
// permanent or as a consistency violation does not, regardless of wrapping.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || IsConsistency(err) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsConsistency reports whether err is an invariant violation.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// IsStale reports whether err is a watermark-guarded no-op.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleEvent)
}
