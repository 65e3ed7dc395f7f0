// ABOUTME: Store interface and persisted types for sessions and the event ledger.
// ABOUTME: Defines what the relay persists across restarts; SQLite implements it.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/relay"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is the persisted form of a thread's session. The in-memory
// registry remains authoritative for run state; only the durable fields
// (identity, mode, upstream id, turn count) are stored.
type SessionRecord struct {
	ThreadID          string
	ChannelID         string
	Mode              string
	UpstreamSessionID string
	Turns             int
	CreatedAt         time.Time
	LastActivity      time.Time
}

// EventRecord is one ledger row: an event forwarded to a caller, stored
// for at-least-once replay by the chat transport. Seq is a monotonically
// increasing per-database sequence assigned on insert.
type EventRecord struct {
	Seq       int64
	ThreadID  string
	Type      string
	Payload   relay.Event
	CreatedAt time.Time
}

// Store persists sessions and the event ledger.
type Store interface {
	// SaveSession inserts or replaces a session record.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// GetSession retrieves a session by thread id.
	// Returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, threadID string) (SessionRecord, error)

	// ListSessions returns all persisted sessions ordered by last activity,
	// newest first.
	ListSessions(ctx context.Context) ([]SessionRecord, error)

	// AppendEvent appends one event to the thread's ledger.
	AppendEvent(ctx context.Context, threadID string, ev relay.Event) error

	// GetEvents returns up to limit ledger events for a thread with
	// Seq greater than afterSeq, in insertion order. limit <= 0 uses
	// a default.
	GetEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]EventRecord, error)

	// Close releases the underlying database.
	Close() error
}
