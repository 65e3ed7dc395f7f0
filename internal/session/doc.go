// Package session tracks per-thread execution state.
//
// # Registry
//
// The Registry maps conversation-thread ids to Sessions:
//
//	reg := session.NewRegistry(logger)
//	snap, busy := reg.BeginRun("thread-1", "channel-9")
//
// BeginRun is the single serialization point for the whole layer: it
// atomically checks that the session is idle and flips it to running. A
// busy result routes the caller into the intervention path instead of a
// fresh dispatch.
//
// # Snapshots
//
// Registry methods return Session values, never shared pointers. All
// mutation goes through registry methods under one mutex, so callers can
// read snapshots without further locking.
//
// # Lifecycle
//
// Sessions are created on first request for a thread and never destroyed;
// eviction happens only at process restart. The upstream session id, once
// set by a Complete event, is reused for every later run until an explicit
// compaction replaces it.
package session
