// ABOUTME: Package documentation for the chat transport HTTP API.
// ABOUTME: Lists the endpoints and their streaming semantics.

// Package httpapi exposes the relay to chat transports over HTTP.
//
// # Endpoints
//
//	POST /v1/threads/{threadID}/messages   dispatch a turn, stream events (SSE)
//	POST /v1/threads/{threadID}/compact    condense an idle session's history
//	GET  /v1/threads/{threadID}/events     replay persisted ledger events
//	GET  /healthz                          circuit breaker snapshot
//
// # Streaming
//
// The messages endpoint holds the connection open and writes each run
// event as a server-sent event until the terminal event. Client
// disconnects never abort the run; the ledger keeps the remaining events
// for the replay endpoint, which pages by sequence number.
//
// # Deduplication
//
// Deliveries carrying a message_id are checked against the dedupe cache;
// duplicates get 202 with status "duplicate" and dispatch nothing.
package httpapi
