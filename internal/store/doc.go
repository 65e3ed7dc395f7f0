// ABOUTME: Package documentation for the persistence layer.
// ABOUTME: Describes the session and event-ledger storage model.

// Package store persists sessions and the event ledger in SQLite.
//
// # Storage model
//
// Two tables back the relay. The sessions table holds the durable half of
// a thread's session: its identity, execution mode, upstream session id,
// and turn count. Run state is deliberately not persisted; after a restart
// every session comes back idle. The events table is an append-only ledger
// of the events forwarded to callers, keyed by an autoincrementing
// sequence so the chat transport can replay a thread's history from any
// point with at-least-once delivery.
//
// # Implementation
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) with WAL mode
// enabled for concurrent readers. The schema is created on open, so a
// fresh database file needs no separate migration step.
package store
