// ABOUTME: Root orchestrator that routes turns to a backend and owns failover.
// ABOUTME: Implements single-flight dispatch, local retry, intervention, and compaction.

package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/health"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

// eventBuffer is the per-caller event channel capacity.
const eventBuffer = 32

// ErrSessionBusy is returned by Compact when the session has a run or
// compaction in flight. Compaction is rejected, never queued.
var ErrSessionBusy = errors.New("session busy")

// ErrUnknownThread is returned by Compact for a thread with no session.
var ErrUnknownThread = errors.New("unknown thread")

// Ledger persists forwarded events for at-least-once replay by the chat
// transport, plus session snapshots so upstream ids and turn counts
// survive a restart. Implementations must be safe for concurrent use.
type Ledger interface {
	AppendEvent(ctx context.Context, threadID string, ev relay.Event) error
	SaveSession(ctx context.Context, rec store.SessionRecord) error
}

// activeRun is the executor-owned handle for one in-flight task.
type activeRun struct {
	mu      sync.Mutex
	task    *backend.Task
	backend backend.Backend

	// handoff marks that an intervening caller owns the pending prompt;
	// the finishing run must not drain it.
	handoff atomic.Bool

	// done closes after the run reached a terminal state and the session
	// was released.
	done chan struct{}
}

func (a *activeRun) current() (backend.Backend, *backend.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend, a.task
}

func (a *activeRun) set(b backend.Backend, t *backend.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backend = b
	a.task = t
}

// Executor chooses a backend per request, normalizes events, owns the
// intervention protocol, and triggers failover using tracker feedback.
// Its collaborators are injected so tests can substitute fresh instances.
type Executor struct {
	sessions *session.Registry
	tracker  *health.Tracker
	remote   backend.Backend
	local    backend.Backend
	ledger   Ledger // optional
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// New creates an executor. ledger may be nil; pass nil logger for default.
func New(sessions *session.Registry, tracker *health.Tracker, remote, local backend.Backend, ledger Ledger, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		sessions: sessions,
		tracker:  tracker,
		remote:   remote,
		local:    local,
		ledger:   ledger,
		logger:   logger.With("component", "executor"),
		active:   make(map[string]*activeRun),
	}
}

// Execute runs one conversation turn for a thread. The returned channel
// yields events until the run's terminal event, then closes. If a run is
// already active for the thread, the prompt takes the intervention path:
// it interrupts the active task and, on success, the returned channel
// carries an InterventionSent event followed by the redirected run.
func (e *Executor) Execute(ctx context.Context, threadID, channelID, prompt string) (<-chan relay.Event, error) {
	snap, busy := e.sessions.BeginRun(threadID, channelID)
	if busy {
		return e.intervene(ctx, threadID, channelID, prompt)
	}

	out := make(chan relay.Event, eventBuffer)
	go func() {
		defer close(out)
		ar := e.runTurn(snap, prompt, out)
		if ar != nil && ar.handoff.Load() {
			// An intervening caller owns the pending prompt.
			return
		}
		e.drainPending(threadID, channelID, out)
	}()
	return out, nil
}

// intervene handles a prompt arriving while the thread's task is running.
func (e *Executor) intervene(ctx context.Context, threadID, channelID, prompt string) (<-chan relay.Event, error) {
	if displaced := e.sessions.QueuePending(threadID, prompt); displaced {
		e.logger.Info("pending intervention replaced", "thread_id", threadID)
	}

	e.mu.Lock()
	ar := e.active[threadID]
	e.mu.Unlock()

	if ar == nil {
		// The run finished between BeginRun and now; pick the prompt up
		// on a fresh dispatch.
		out := make(chan relay.Event, eventBuffer)
		go func() {
			defer close(out)
			e.drainPending(threadID, channelID, out)
		}()
		return out, nil
	}

	b, task := ar.current()
	if task == nil {
		// Dispatch is still in flight for the active run; the prompt
		// stays queued and is drained after that run's terminal event.
		e.logger.Debug("intervention queued before task registration", "thread_id", threadID)
		return closedEventChannel(), nil
	}

	ar.handoff.Store(true)
	err := b.Interrupt(ctx, task)
	if err != nil && !relay.IsKind(err, relay.KindTaskNotRunning) {
		// Interrupt failed: the running task continues and drains the
		// pending prompt itself once it reaches a terminal event.
		ar.handoff.Store(false)
		e.logger.Warn("interrupt failed, intervention queued",
			"thread_id", threadID,
			"error", err)

		select {
		case <-ar.done:
			// The run finished while the handoff flag was set and may
			// have skipped the drain; pick the prompt up here.
			out := make(chan relay.Event, eventBuffer)
			go func() {
				defer close(out)
				e.drainPending(threadID, channelID, out)
			}()
			return out, nil
		default:
		}
		return closedEventChannel(), nil
	}

	e.logger.Info("task interrupted for intervention",
		"thread_id", threadID,
		"task_id", task.ID,
		"backend", b.Name())

	out := make(chan relay.Event, eventBuffer)
	go func() {
		defer close(out)

		// Wait for the superseded run to release the session. The task is
		// already interrupted, so the redirect runs even if the intervening
		// caller has gone away; the transport drains the channel and the
		// ledger keeps the events.
		<-ar.done
		e.drainPending(threadID, channelID, out)
	}()
	return out, nil
}

// drainPending runs queued intervention prompts to completion, emitting
// an InterventionSent acknowledgment before each redirected run.
func (e *Executor) drainPending(threadID, channelID string, out chan<- relay.Event) {
	for {
		p, ok := e.sessions.TakePending(threadID)
		if !ok {
			return
		}

		snap, busy := e.sessions.BeginRun(threadID, channelID)
		if busy {
			// Another caller won the gate; hand the prompt back unless a
			// newer one arrived in the meantime (last write wins).
			e.sessions.QueuePendingIfEmpty(threadID, p.Text)
			return
		}

		e.forward(threadID, out, relay.Event{Type: relay.EventInterventionSent, Prompt: p.Text})
		ar := e.runTurn(snap, p.Text, out)
		if ar != nil && ar.handoff.Load() {
			return
		}
	}
}

// runTurn dispatches one prompt and consumes its event stream to the
// terminal event. The session run state is always released before it
// returns. It returns the run handle so callers can observe a handoff,
// or nil when dispatch never produced a task.
func (e *Executor) runTurn(snap session.Session, prompt string, out chan<- relay.Event) *activeRun {
	threadID := snap.ThreadID
	req := backend.DispatchRequest{
		ThreadID:          threadID,
		Prompt:            prompt,
		UpstreamSessionID: snap.UpstreamSessionID,
	}

	b := e.pickBackend()
	ar := &activeRun{done: make(chan struct{})}
	e.mu.Lock()
	e.active[threadID] = ar
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.active[threadID] == ar {
			delete(e.active, threadID)
		}
		e.mu.Unlock()
		close(ar.done)
	}()

	task, events, err := b.Dispatch(context.Background(), req)
	if err != nil && b == e.remote {
		e.noteRemoteFailure(err)
		if relay.IsRetryable(err) {
			e.logger.Info("remote dispatch failed, retrying locally",
				"thread_id", threadID,
				"error", err)
			b = e.local
			task, events, err = b.Dispatch(context.Background(), req)
		}
	}
	if err != nil {
		e.forward(threadID, out, relay.ErrorEvent(relay.AsError(err)))
		e.sessions.EndRun(threadID)
		return nil
	}

	ar.set(b, task)
	e.sessions.SetMode(threadID, modeOf(b))
	e.logger.Debug("turn dispatched",
		"thread_id", threadID,
		"task_id", task.ID,
		"backend", b.Name(),
		"resumed", req.UpstreamSessionID != "")

	e.consume(ar, req, events, out)
	return ar
}

// consume forwards the run's events to out, applying the failover rule:
// a retryable Error from the remote backend triggers one immediate local
// retry of the same prompt before anything reaches the caller.
func (e *Executor) consume(ar *activeRun, req backend.DispatchRequest, events <-chan relay.Event, out chan<- relay.Event) {
	threadID := req.ThreadID
	for {
		ev, ok := <-events
		if !ok {
			// Stream ended without a terminal event; the session must
			// still be released with a terminal the caller can see.
			e.forward(threadID, out, relay.ErrorEvent(relay.Errf(relay.KindInterrupted, "run ended without result")))
			e.sessions.EndRun(threadID)
			return
		}

		b, _ := ar.current()

		switch {
		case ev.Type == relay.EventComplete:
			e.sessions.CompleteRun(threadID, ev.UpstreamSessionID)
			if b == e.remote {
				e.tracker.RecordSuccess()
			}
			e.persistSession(threadID)
			e.forward(threadID, out, ev)
			return

		case ev.Type == relay.EventError && ev.Err != nil && ev.Err.Retryable && b == e.remote:
			e.noteRemoteFailure(ev.Err)

			task, retryEvents, err := e.local.Dispatch(context.Background(), req)
			if err != nil {
				// Local retry could not even start; surface the local
				// failure, not the suppressed remote one.
				e.forward(threadID, out, relay.ErrorEvent(relay.AsError(err)))
				e.sessions.EndRun(threadID)
				return
			}
			e.logger.Info("remote run failed, retrying locally",
				"thread_id", threadID,
				"remote_error", ev.Err.Message)
			ar.set(e.local, task)
			e.sessions.SetMode(threadID, session.ModeLocal)
			events = retryEvents

		case ev.Type == relay.EventError:
			e.sessions.EndRun(threadID)
			e.forward(threadID, out, ev)
			return

		default:
			e.forward(threadID, out, ev)
		}
	}
}

// Compact condenses a session's history into a new upstream session id.
// Only valid while the session is idle; a running session is rejected.
func (e *Executor) Compact(ctx context.Context, threadID string) (relay.Event, error) {
	if _, ok := e.sessions.Get(threadID); !ok {
		return relay.Event{}, ErrUnknownThread
	}
	snap, busy := e.sessions.BeginCompact(threadID)
	if busy {
		return relay.Event{}, ErrSessionBusy
	}

	b := e.pickBackend()
	ev, err := b.Compact(ctx, backend.CompactRequest{
		ThreadID:          threadID,
		UpstreamSessionID: snap.UpstreamSessionID,
	})
	if err != nil {
		e.sessions.EndCompact(threadID, "")
		if b == e.remote {
			e.noteRemoteFailure(err)
		}
		return relay.Event{}, err
	}

	e.sessions.EndCompact(threadID, ev.UpstreamSessionID)
	if b == e.remote {
		e.tracker.RecordSuccess()
	}
	e.persistSession(threadID)
	if e.ledger != nil {
		if lerr := e.ledger.AppendEvent(ctx, threadID, ev); lerr != nil {
			e.logger.Warn("ledger append failed", "thread_id", threadID, "error", lerr)
		}
	}
	e.logger.Info("session compacted",
		"thread_id", threadID,
		"backend", b.Name(),
		"upstream_session_id", ev.UpstreamSessionID)
	return ev, nil
}

// pickBackend consults the tracker: remote when eligible, local while
// the breaker is open. The breaker is global, so once it trips every
// session falls back to local regardless of which session failed.
func (e *Executor) pickBackend() backend.Backend {
	if e.tracker.AllowRemote() {
		return e.remote
	}
	return e.local
}

// noteRemoteFailure feeds a remote-originated failure to the tracker.
// Rate limits are caller-side throttling and go to their own counter.
func (e *Executor) noteRemoteFailure(err error) {
	if relay.IsKind(err, relay.KindRateLimited) {
		e.tracker.RecordRateLimited()
		return
	}
	e.tracker.RecordFailure()
}

// persistSession writes the session's durable state to the ledger.
func (e *Executor) persistSession(threadID string) {
	if e.ledger == nil {
		return
	}
	snap, ok := e.sessions.Get(threadID)
	if !ok {
		return
	}
	rec := store.SessionRecord{
		ThreadID:          snap.ThreadID,
		ChannelID:         snap.ChannelID,
		Mode:              string(snap.Mode),
		UpstreamSessionID: snap.UpstreamSessionID,
		Turns:             snap.Turns,
		CreatedAt:         snap.CreatedAt,
		LastActivity:      snap.LastActivity,
	}
	if err := e.ledger.SaveSession(context.Background(), rec); err != nil {
		e.logger.Warn("session persist failed", "thread_id", threadID, "error", err)
	}
}

// forward emits an event to the caller and appends it to the ledger.
func (e *Executor) forward(threadID string, out chan<- relay.Event, ev relay.Event) {
	if e.ledger != nil {
		if err := e.ledger.AppendEvent(context.Background(), threadID, ev); err != nil {
			e.logger.Warn("ledger append failed", "thread_id", threadID, "error", err)
		}
	}
	out <- ev
}

// modeOf maps a backend to the session mode it represents.
func modeOf(b backend.Backend) session.Mode {
	if b.Name() == "local" {
		return session.ModeLocal
	}
	return session.ModeRemote
}

// closedEventChannel returns an empty, already-closed event channel, used
// to acknowledge callers whose prompt was queued behind a running task.
func closedEventChannel() <-chan relay.Event {
	ch := make(chan relay.Event)
	close(ch)
	return ch
}
