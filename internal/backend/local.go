// ABOUTME: Local backend that runs the agent engine in-process.
// ABOUTME: Adapts the engine's callback stream onto the shared Event channel contract.

package backend

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/engine"
	"github.com/2389/coven-relay/internal/relay"
)

// localEventBuffer is the per-task event channel capacity. Sends block
// once it fills, back-pressuring the engine when the consumer is slow.
const localEventBuffer = 16

// Local runs turns on an in-process engine. It never surfaces the
// remote-specific error kinds: every engine failure is an execution_error.
type Local struct {
	engine engine.Engine
	logger *slog.Logger
}

// NewLocal creates a local backend over eng. Pass nil logger for default.
func NewLocal(eng engine.Engine, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		engine: eng,
		logger: logger.With("component", "local"),
	}
}

// Name implements Backend.
func (l *Local) Name() string { return "local" }

// Dispatch implements Backend. The engine runs on its own goroutine; its
// callbacks are adapted into Events through a bounded channel.
func (l *Local) Dispatch(ctx context.Context, req DispatchRequest) (*Task, <-chan relay.Event, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := NewTask(uuid.New().String(), req.ThreadID, l.Name(), cancel)

	out := make(chan relay.Event, localEventBuffer)

	emit := func(m engine.Message) {
		ev, ok := eventFromEngine(m)
		if !ok {
			return
		}
		select {
		case out <- ev:
		case <-runCtx.Done():
		}
	}

	go func() {
		defer close(out)

		res, err := l.engine.Run(runCtx, engine.RunRequest{
			ThreadID:          req.ThreadID,
			Prompt:            req.Prompt,
			UpstreamSessionID: req.UpstreamSessionID,
		}, emit)

		var terminal relay.Event
		switch {
		case runCtx.Err() != nil:
			terminal = relay.ErrorEvent(relay.Errf(relay.KindInterrupted, "run cancelled"))
		case err != nil:
			l.logger.Error("engine run failed", "thread_id", req.ThreadID, "error", err)
			terminal = relay.ErrorEvent(relay.Errf(relay.KindExecutionError, "%v", err))
		default:
			terminal = relay.Complete(res.Text, res.SessionID)
		}

		// The executor drains every run until close, so the terminal
		// event never blocks indefinitely.
		out <- terminal
	}()

	l.logger.Debug("task dispatched",
		"thread_id", req.ThreadID,
		"task_id", task.ID,
		"resumed", req.UpstreamSessionID != "")
	return task, out, nil
}

// Interrupt implements Backend by cancelling the run context. The engine
// observes the cancellation at its next suspension point.
func (l *Local) Interrupt(ctx context.Context, task *Task) error {
	task.Cancel()
	return nil
}

// Compact implements Backend.
func (l *Local) Compact(ctx context.Context, req CompactRequest) (relay.Event, error) {
	newID, err := l.engine.Compact(ctx, req.UpstreamSessionID)
	if err != nil {
		return relay.Event{}, relay.Errf(relay.KindExecutionError, "compacting: %v", err)
	}
	return relay.Event{
		Type:              relay.EventCompact,
		Reason:            "requested",
		UpstreamSessionID: newID,
	}, nil
}

// eventFromEngine maps a native engine message onto the Event union.
func eventFromEngine(m engine.Message) (relay.Event, bool) {
	switch m.Kind {
	case engine.MessageProgress:
		return relay.Progress(m.Text), true
	case engine.MessageMemory:
		return relay.Event{Type: relay.EventMemory, Payload: m.Payload}, true
	case engine.MessageUsage:
		return relay.Event{Type: relay.EventContextUsage, Tokens: m.Tokens, Limit: m.Limit}, true
	default:
		return relay.Event{}, false
	}
}
