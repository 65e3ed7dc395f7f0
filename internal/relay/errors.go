// ABOUTME: Error taxonomy for backend execution failures.
// ABOUTME: Classifies transport, protocol, and engine faults with retryability.

package relay

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	// KindConnectionLost is a transport-level failure. Retryable; triggers
	// failover to the local backend.
	KindConnectionLost ErrorKind = "connection_lost"

	// KindRateLimited means the remote service throttled the request.
	// Retryable after a backoff hint; a soft health signal.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTaskConflict means the remote side already has an active task for
	// this session. A protocol error; surfaced, never retried.
	KindTaskConflict ErrorKind = "task_conflict"

	// KindTaskNotFound means the referenced task does not exist remotely.
	KindTaskNotFound ErrorKind = "task_not_found"

	// KindTaskNotRunning means an interrupt or compact raced a task that
	// already finished. Benign; handled locally.
	KindTaskNotRunning ErrorKind = "task_not_running"

	// KindProtocolViolation means the remote sent a frame with no
	// identifiable type. Fatal to the current task only.
	KindProtocolViolation ErrorKind = "protocol_violation"

	// KindExecutionError is a local-engine internal failure.
	KindExecutionError ErrorKind = "execution_error"

	// KindInterrupted marks a run aborted by an intervention or shutdown.
	KindInterrupted ErrorKind = "interrupted"
)

// Error is a classified execution failure carried in Error events and
// returned from backend calls.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds a classified error. Retryability is derived from the kind.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == KindConnectionLost || kind == KindRateLimited,
	}
}

// KindOf extracts the ErrorKind from err, or KindExecutionError if err is
// not a classified relay error.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindExecutionError
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

// IsRetryable reports whether err is a classified retryable failure.
func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable
}

// AsError converts err into an *Error, classifying unrecognized errors as
// execution errors.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindExecutionError, Message: err.Error()}
}
