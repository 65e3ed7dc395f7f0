// ABOUTME: Backend interface shared by the remote service and the local engine.
// ABOUTME: Defines dispatch/interrupt/compact and the in-flight Task handle.

package backend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/relay"
)

// DispatchRequest carries one execution turn to a backend.
type DispatchRequest struct {
	ThreadID string
	Prompt   string

	// UpstreamSessionID resumes the backend conversation; empty for the
	// first turn of a session.
	UpstreamSessionID string
}

// CompactRequest asks a backend to condense a session's history into a new
// upstream session id.
type CompactRequest struct {
	ThreadID          string
	UpstreamSessionID string
}

// Task is one in-flight execution on a backend. It is owned exclusively by
// the executor for its lifetime and destroyed when its terminal event is
// emitted or it is superseded by an intervention.
type Task struct {
	// ID is the backend-assigned task id. Remote only; local tasks carry a
	// locally generated id.
	ID string

	ThreadID  string
	Backend   string
	StartedAt time.Time

	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewTask builds a task handle bound to cancel.
func NewTask(id, threadID, backendName string, cancel context.CancelFunc) *Task {
	return &Task{
		ID:        id,
		ThreadID:  threadID,
		Backend:   backendName,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
}

// Cancel aborts the task's in-flight work. Safe to call more than once.
func (t *Task) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) && t.cancel != nil {
		t.cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Backend is the capability both execution backends implement. Dispatch
// returns the task handle and a finite, non-restartable event channel that
// is closed after the terminal event.
type Backend interface {
	// Name identifies the backend ("remote" or "local").
	Name() string

	// Dispatch starts one execution turn. The returned channel yields
	// events until a terminal Complete or Error event, then closes.
	Dispatch(ctx context.Context, req DispatchRequest) (*Task, <-chan relay.Event, error)

	// Interrupt aborts an in-flight task. A task_not_running error means
	// the task had already finished; callers treat that as success.
	Interrupt(ctx context.Context, task *Task) error

	// Compact condenses the session history and returns a Compact event
	// carrying the replacement upstream session id.
	Compact(ctx context.Context, req CompactRequest) (relay.Event, error)
}
