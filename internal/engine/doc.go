// ABOUTME: Package documentation for the local execution engine.
// ABOUTME: Describes the engine interface and the agent CLI contract.

// Package engine abstracts the in-process execution path.
//
// An Engine runs one conversation turn to completion, emitting streaming
// messages through a callback and returning the final result with the
// conversation's session id. The local backend adapts this interface onto
// the relay's event contract.
//
// # Subprocess engine
//
// Subprocess drives an agent CLI per turn. The contract with the CLI:
// the prompt arrives on stdin, streaming events leave stdout as JSON
// lines (progress, memory, usage), and the final line carries the result
// text and session id. Resuming a conversation passes --resume with the
// previous session id; compaction invokes the CLI with --compact.
package engine
