// Package relay defines the shared vocabulary of the execution layer: the
// Event union emitted by both backends and the error taxonomy used to
// classify failures.
//
// # Events
//
// Every run produces a finite sequence of Events ending in exactly one
// terminal event (Complete or Error), marked by Done. Non-terminal events
// carry incremental output (Progress), memory payloads, context usage, and
// throttle warnings.
//
// # Errors
//
// Failures are classified by ErrorKind. Transport failures
// (connection_lost) and throttling (rate_limited) are retryable and feed
// the health tracker; protocol races around interrupt timing
// (task_not_found, task_not_running) are benign and handled by the
// executor; everything else terminates the run.
package relay
