// ABOUTME: Package documentation for message delivery deduplication.
// ABOUTME: Explains why chat transports need an idempotency guard.

// Package dedupe drops duplicate chat message deliveries.
//
// Chat transports redeliver: webhook retries, reconnect replays, and
// at-least-once queues all hand the relay the same message twice. Every
// delivery carries a transport message id, and dispatching the same id
// twice would burn a second run (or interrupt a live one) for nothing.
// Cache.Seen is the single idempotency check: the first delivery of a
// (thread, message id) pair passes, later ones inside the TTL are
// dropped.
package dedupe
