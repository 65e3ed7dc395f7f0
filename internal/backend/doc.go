// Package backend provides the two interchangeable execution backends.
//
// # Contract
//
// Both backends implement the same capability:
//
//	type Backend interface {
//	    Name() string
//	    Dispatch(ctx, DispatchRequest) (*Task, <-chan relay.Event, error)
//	    Interrupt(ctx, *Task) error
//	    Compact(ctx, CompactRequest) (relay.Event, error)
//	}
//
// Dispatch returns a finite, non-restartable event channel: events until
// one terminal Complete or Error, then close. The executor consumes each
// channel exactly once.
//
// # Remote
//
// Remote speaks HTTP to the execution service: task creation returns a
// task id, and a per-task SSE endpoint streams JSON event frames. The
// frame stream survives connection drops with bounded exponential backoff
// (1s base, 16s cap, 5 attempts); exhausting the budget surfaces
// connection_lost. Service faults map onto the relay taxonomy by error
// body discriminator or status code.
//
// # Local
//
// Local invokes the agent engine in-process and adapts its callback
// stream onto the same channel contract through a bounded buffer, so a
// slow consumer back-pressures the engine. Local failures are always
// execution_error, never the remote-specific kinds.
package backend
