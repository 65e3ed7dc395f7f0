// ABOUTME: HTTP surface for the chat transport: message dispatch, compaction, replay.
// ABOUTME: Streams run events over SSE and exposes health for load balancers.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/executor"
	"github.com/2389/coven-relay/internal/health"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// Runner is the executor surface the API depends on.
type Runner interface {
	Execute(ctx context.Context, threadID, channelID, prompt string) (<-chan relay.Event, error)
	Compact(ctx context.Context, threadID string) (relay.Event, error)
}

// EventReader replays persisted ledger events.
type EventReader interface {
	GetEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]store.EventRecord, error)
}

// SessionCounter reports how many sessions are live, for the health
// endpoint. *session.Registry satisfies it.
type SessionCounter interface {
	Len() int
}

// Server wires the chat transport endpoints to the executor.
type Server struct {
	runner   Runner
	events   EventReader
	tracker  *health.Tracker
	sessions SessionCounter
	dedupe   *dedupe.Cache
	logger   *slog.Logger
}

// New creates the API server. events, sessions, and dedupe may be nil;
// the replay endpoint then returns 404, the health endpoint omits the
// session count, and duplicate suppression is disabled.
func New(runner Runner, events EventReader, tracker *health.Tracker, sessions SessionCounter, cache *dedupe.Cache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:   runner,
		events:   events,
		tracker:  tracker,
		sessions: sessions,
		dedupe:   cache,
		logger:   logger.With("component", "httpapi"),
	}
}

// Router builds the chi router for the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/threads/{threadID}", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Post("/compact", s.handleCompact)
		r.Get("/events", s.handleReplay)
	})
	return r
}

// messageRequest is the body of POST /v1/threads/{threadID}/messages.
type messageRequest struct {
	ChannelID string `json:"channel_id"`
	Prompt    string `json:"prompt"`

	// MessageID is the transport's delivery id, used for deduplication.
	// Optional; without it every delivery dispatches.
	MessageID string `json:"message_id"`
}

// handleMessage dispatches one turn and streams its events as SSE.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if s.dedupe != nil && req.MessageID != "" && s.dedupe.Seen(threadID, req.MessageID) {
		s.logger.Info("duplicate delivery dropped",
			"thread_id", threadID,
			"message_id", req.MessageID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}

	events, err := s.runner.Execute(r.Context(), threadID, req.ChannelID, req.Prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.streamEvents(w, r, threadID, events)
}

// streamEvents writes a run's events as server-sent events until the
// channel closes. A disconnected client stops the stream but never the
// run: the remaining events are drained so the executor is not blocked,
// and the ledger still has them for replay.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, threadID string, events <-chan relay.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encoding event", "thread_id", threadID, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			go func() {
				for range events {
				}
			}()
			s.logger.Debug("client disconnected mid-stream", "thread_id", threadID)
			return
		}
	}
}

// handleCompact condenses an idle session's history.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	ev, err := s.runner.Compact(r.Context(), threadID)
	switch {
	case errors.Is(err, executor.ErrUnknownThread):
		writeError(w, http.StatusNotFound, "unknown thread")
		return
	case errors.Is(err, executor.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session busy")
		return
	case err != nil:
		status := http.StatusBadGateway
		if relay.IsKind(err, relay.KindRateLimited) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ev)
}

// replayResponse is the body of GET /v1/threads/{threadID}/events.
type replayResponse struct {
	Events []replayEvent `json:"events"`
}

type replayEvent struct {
	Seq   int64       `json:"seq"`
	Event relay.Event `json:"event"`
}

// handleReplay returns persisted ledger events after a sequence number.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "replay not available")
		return
	}
	threadID := chi.URLParam(r, "threadID")

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recs, err := s.events.GetEvents(r.Context(), threadID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := replayResponse{Events: make([]replayEvent, 0, len(recs))}
	for _, rec := range recs {
		resp.Events = append(resp.Events, replayEvent{Seq: rec.Seq, Event: rec.Payload})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	health.Snapshot
	Sessions int `json:"sessions"`
}

// handleHealth reports the circuit breaker state and session count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Snapshot: s.tracker.GetSnapshot()}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
