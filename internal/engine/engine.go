// ABOUTME: Engine interface for the in-process agent runtime.
// ABOUTME: Defines the native callback streaming contract the local backend adapts.

package engine

import (
	"context"
	"encoding/json"
)

// Message kinds emitted by an engine during a run.
const (
	MessageProgress = "progress"
	MessageMemory   = "memory"
	MessageUsage    = "usage"
)

// Message is one native streaming callback from the engine.
type Message struct {
	Kind    string
	Text    string
	Payload json.RawMessage
	Tokens  int
	Limit   int
}

// RunRequest carries one turn to the engine.
type RunRequest struct {
	ThreadID string
	Prompt   string

	// UpstreamSessionID resumes the engine conversation; empty starts a
	// new one.
	UpstreamSessionID string
}

// Result is the engine's final output for a run.
type Result struct {
	Text string

	// SessionID is the engine conversation id to reuse on the next turn.
	SessionID string
}

// Engine is the in-process agent runtime. Run blocks until the turn
// finishes, invoking emit for each streaming message; emit may block to
// back-pressure the engine when the consumer is slow. Run must honor ctx
// cancellation at its suspension points.
type Engine interface {
	Run(ctx context.Context, req RunRequest, emit func(Message)) (Result, error)

	// Compact condenses the conversation identified by upstreamID and
	// returns the replacement session id.
	Compact(ctx context.Context, upstreamID string) (string, error)
}
