// Package executor orchestrates execution turns across the two backends.
//
// # Control flow
//
// Execute resolves the thread's session and takes the single-flight gate.
// A free gate dispatches the prompt on the backend the health tracker
// allows (remote when healthy, local while the breaker is open) and
// consumes the backend's event stream, forwarding each event to the
// caller's channel.
//
// # Failover
//
// A retryable remote failure, either a failed dispatch or a retryable
// Error event mid-stream, is reported to the health tracker and retried once,
// immediately, on the local backend with the same prompt and upstream
// session id. The remote failure never reaches the caller; only the local
// outcome does. The breaker is global: after enough consecutive failures
// every session runs locally until a post-cooldown probe succeeds.
//
// # Intervention
//
// A prompt arriving while the thread's task is running is queued as the
// session's pending prompt (last-write-wins) and the active task is
// interrupted. When the interrupt lands, the interrupting caller's channel
// carries an InterventionSent acknowledgment followed by the redirected
// run, which reuses the session's upstream id. When the interrupt fails,
// the running task finishes first and the pending prompt runs as a
// follow-up on the original caller's channel.
//
// # Compaction
//
// Compact is valid only while a session is idle; it replaces the stored
// upstream session id and emits a Compact event. A running session
// rejects compaction rather than queueing it.
//
// # Guarantees
//
// Every run reaches a terminal event, even when a backend dies mid-stream
// (an interrupted Error is synthesized), and the session's run state is
// always released with it. Nothing in this package aborts the process.
package executor
