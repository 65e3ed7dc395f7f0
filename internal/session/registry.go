// ABOUTME: In-memory registry mapping conversation threads to session state.
// ABOUTME: Enforces the single-flight gate and owns the pending-intervention slot.

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Mode selects which backend a session is currently using.
type Mode string

const (
	// ModeRemote runs turns on the remote execution service.
	ModeRemote Mode = "remote"
	// ModeLocal runs turns on the in-process engine.
	ModeLocal Mode = "local"
)

// RunState describes what a session is doing right now.
type RunState string

const (
	// StateIdle means no execution is in flight.
	StateIdle RunState = "idle"
	// StateRunning means exactly one execution is in flight.
	StateRunning RunState = "running"
	// StateCompacting means a history compaction is in flight.
	StateCompacting RunState = "compacting"
)

// PendingPrompt is a user message that arrived while a run was active.
// At most one is queued per session; a newer arrival replaces it.
type PendingPrompt struct {
	Text      string
	ArrivedAt time.Time
}

// Session is the per-thread execution state. Registry methods return value
// snapshots; the registry owns the only mutable copy.
type Session struct {
	ThreadID  string
	ChannelID string
	Mode      Mode

	// UpstreamSessionID is the backend conversation id. Empty until the
	// first successful run; reused for every subsequent run until a
	// compaction replaces it.
	UpstreamSessionID string

	State        RunState
	Turns        int
	CreatedAt    time.Time
	LastActivity time.Time

	pending *PendingPrompt
}

// Registry is a thread-safe map of thread id to session state. It is the
// only serialization point for run-state transitions: BeginRun atomically
// checks idle and flips to running.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// Get returns a snapshot of the session for threadID, if one exists.
func (r *Registry) Get(threadID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Create registers a new idle session for the thread. If one already
// exists it is returned unchanged.
func (r *Registry) Create(threadID, channelID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.getOrCreateLocked(threadID, channelID)
}

// GetOrCreate returns the session for the thread, creating it if absent.
func (r *Registry) GetOrCreate(threadID, channelID string) Session {
	return r.Create(threadID, channelID)
}

// Restore seeds a session from persisted state, typically at startup.
// Existing sessions are left untouched. Restored sessions always start
// idle: run state does not survive a restart.
func (r *Registry) Restore(snap Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[snap.ThreadID]; ok {
		return
	}
	s := snap
	s.State = StateIdle
	s.pending = nil
	r.sessions[snap.ThreadID] = &s
	r.logger.Debug("session restored", "thread_id", snap.ThreadID, "turns", snap.Turns)
}

func (r *Registry) getOrCreateLocked(threadID, channelID string) *Session {
	if s, ok := r.sessions[threadID]; ok {
		return s
	}
	now := r.now()
	s := &Session{
		ThreadID:     threadID,
		ChannelID:    channelID,
		Mode:         ModeRemote,
		State:        StateIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.sessions[threadID] = s
	r.logger.Debug("session created", "thread_id", threadID, "channel_id", channelID)
	return s
}

// BeginRun is the single-flight gate. It atomically checks that the
// session is idle and flips it to running, creating the session if absent.
// If a run or compaction is already active it returns busy=true and the
// current snapshot; this is a routing signal, not an error.
func (r *Registry) BeginRun(threadID, channelID string) (snap Session, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(threadID, channelID)
	if s.State != StateIdle {
		return *s, true
	}
	s.State = StateRunning
	s.LastActivity = r.now()
	return *s, false
}

// EndRun releases the session back to idle after a terminal event. It is
// a no-op for unknown threads or sessions that are not running.
func (r *Registry) EndRun(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok || s.State != StateRunning {
		return
	}
	s.State = StateIdle
	s.LastActivity = r.now()
}

// CompleteRun records a successful turn: stores the upstream id (when
// non-empty), bumps the turn counter, and releases the run state.
func (r *Registry) CompleteRun(threadID, upstreamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok {
		return
	}
	if upstreamID != "" {
		s.UpstreamSessionID = upstreamID
	}
	s.Turns++
	if s.State == StateRunning {
		s.State = StateIdle
	}
	s.LastActivity = r.now()
}

// BeginCompact flips an idle session to compacting. Returns busy=true when
// the session is not idle; compaction is never queued behind a run.
func (r *Registry) BeginCompact(threadID string) (snap Session, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok {
		return Session{}, true
	}
	if s.State != StateIdle {
		return *s, true
	}
	s.State = StateCompacting
	s.LastActivity = r.now()
	return *s, false
}

// EndCompact stores the replacement upstream id and returns the session to
// idle.
func (r *Registry) EndCompact(threadID, upstreamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok {
		return
	}
	if upstreamID != "" {
		s.UpstreamSessionID = upstreamID
	}
	if s.State == StateCompacting {
		s.State = StateIdle
	}
	s.LastActivity = r.now()
}

// SetUpstreamID records the backend conversation id for the thread.
func (r *Registry) SetUpstreamID(threadID, upstreamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[threadID]; ok {
		s.UpstreamSessionID = upstreamID
		s.LastActivity = r.now()
	}
}

// SetMode records which backend the session last ran on.
func (r *Registry) SetMode(threadID string, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[threadID]; ok {
		s.Mode = mode
	}
}

// QueuePending stores prompt as the session's pending intervention,
// replacing any previously queued prompt (last-write-wins). It reports
// whether an earlier prompt was displaced.
func (r *Registry) QueuePending(threadID, prompt string) (displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok {
		return false
	}
	displaced = s.pending != nil
	s.pending = &PendingPrompt{Text: prompt, ArrivedAt: r.now()}
	if displaced {
		r.logger.Debug("pending prompt replaced", "thread_id", threadID)
	}
	return displaced
}

// QueuePendingIfEmpty stores prompt only when no pending prompt is
// queued, reporting whether it was stored. Used to hand a taken prompt
// back without displacing a newer arrival.
func (r *Registry) QueuePendingIfEmpty(threadID, prompt string) (stored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok || s.pending != nil {
		return false
	}
	s.pending = &PendingPrompt{Text: prompt, ArrivedAt: r.now()}
	return true
}

// TakePending removes and returns the session's pending prompt, if any.
func (r *Registry) TakePending(threadID string) (PendingPrompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[threadID]
	if !ok || s.pending == nil {
		return PendingPrompt{}, false
	}
	p := *s.pending
	s.pending = nil
	return p, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
