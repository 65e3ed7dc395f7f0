// ABOUTME: Tests for the remote backend HTTP client against httptest servers.
// ABOUTME: Covers dispatch field mapping, status-code taxonomy, interrupt, and compact.

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/relay"
)

// fakeService is a minimal remote execution service for tests.
type fakeService struct {
	t *testing.T

	dispatched map[string]any // last dispatch body
	cancelled  []string       // cancelled task ids

	dispatchStatus int
	dispatchError  string
	frames         []string

	// stallEvents holds the events stream open without sending frames
	// until the client gives up.
	stallEvents bool
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{t: t, dispatchStatus: http.StatusOK}
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if f.dispatchStatus != http.StatusOK {
			w.WriteHeader(f.dispatchStatus)
			if f.dispatchError != "" {
				json.NewEncoder(w).Encode(map[string]string{"error": f.dispatchError, "message": "nope"})
			}
			return
		}
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.dispatched = body
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
	})

	mux.HandleFunc("GET /v1/tasks/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f.stallEvents {
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		for _, frame := range f.frames {
			w.Write([]byte("data: " + frame + "\n\n"))
		}
	})

	mux.HandleFunc("POST /v1/tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.cancelled = append(f.cancelled, r.PathValue("id"))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /v1/sessions/compact", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upstream_session_id": "compacted-1", "reason": "requested"})
	})

	return mux
}

func newTestRemote(t *testing.T, f *fakeService) *Remote {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewRemote(RemoteConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		RunTimeout:     10 * time.Second,
	}, nil)
}

func collect(t *testing.T, events <-chan relay.Event) []relay.Event {
	t.Helper()
	var got []relay.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(got))
		}
	}
}

func TestRemoteDispatch(t *testing.T) {
	f := newFakeService(t)
	f.frames = []string{
		`{"type":"progress","text":"hi"}`,
		`{"type":"complete","result":"hi there","upstream_session_id":"abc"}`,
	}
	r := newTestRemote(t, f)

	task, events, err := r.Dispatch(context.Background(), DispatchRequest{
		ThreadID:          "T1",
		Prompt:            "hello",
		UpstreamSessionID: "prev-session",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "remote", task.Backend)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, relay.EventProgress, got[0].Type)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, relay.EventComplete, got[1].Type)
	assert.Equal(t, "hi there", got[1].Result)
	assert.Equal(t, "abc", got[1].UpstreamSessionID)
	assert.True(t, got[1].Done)

	assert.Equal(t, "T1", f.dispatched["thread_id"])
	assert.Equal(t, "hello", f.dispatched["prompt"])
	assert.Equal(t, "prev-session", f.dispatched["upstream_session_id"])
}

func TestRemoteDispatchOmitsEmptyUpstream(t *testing.T) {
	f := newFakeService(t)
	f.frames = []string{`{"type":"complete","result":"ok","upstream_session_id":"new"}`}
	r := newTestRemote(t, f)

	_, events, err := r.Dispatch(context.Background(), DispatchRequest{ThreadID: "T1", Prompt: "hi"})
	require.NoError(t, err)
	collect(t, events)

	_, present := f.dispatched["upstream_session_id"]
	assert.False(t, present, "first turn must not send an upstream session id")
}

func TestRemoteErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   relay.ErrorKind
	}{
		{"conflict by status", http.StatusConflict, "", relay.KindTaskConflict},
		{"not found by status", http.StatusNotFound, "", relay.KindTaskNotFound},
		{"not running by status", http.StatusGone, "", relay.KindTaskNotRunning},
		{"rate limited by status", http.StatusTooManyRequests, "", relay.KindRateLimited},
		{"server error is connection lost", http.StatusInternalServerError, "", relay.KindConnectionLost},
		{"discriminator wins over status", http.StatusBadRequest, "task_conflict", relay.KindTaskConflict},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFakeService(t)
			f.dispatchStatus = c.status
			f.dispatchError = c.body
			r := newTestRemote(t, f)

			_, _, err := r.Dispatch(context.Background(), DispatchRequest{ThreadID: "T1", Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, c.want, relay.KindOf(err))
		})
	}
}

func TestRemoteDispatchUnreachable(t *testing.T) {
	r := NewRemote(RemoteConfig{BaseURL: "http://127.0.0.1:1", RequestTimeout: time.Second}, nil)

	_, _, err := r.Dispatch(context.Background(), DispatchRequest{ThreadID: "T1", Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, relay.KindConnectionLost, relay.KindOf(err))
}

func TestRemoteStalledStreamEndsWithConnectionLost(t *testing.T) {
	f := newFakeService(t)
	f.stallEvents = true
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	r := NewRemote(RemoteConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		RunTimeout:     50 * time.Millisecond,
	}, nil)

	// The run deadline fires while the stream consumer is blocked; every
	// run must still end with a retryable terminal event. Repeated because
	// the deadline path is timing sensitive.
	for i := 0; i < 20; i++ {
		_, events, err := r.Dispatch(context.Background(), DispatchRequest{ThreadID: "T1", Prompt: "x"})
		require.NoError(t, err)

		got := collect(t, events)
		require.NotEmpty(t, got, "run %d closed without a terminal event", i)
		last := got[len(got)-1]
		require.Equal(t, relay.EventError, last.Type, "run %d", i)
		require.NotNil(t, last.Err)
		assert.Equal(t, relay.KindConnectionLost, last.Err.Kind)
		assert.True(t, last.Err.Retryable)
	}
}

func TestRemoteInterrupt(t *testing.T) {
	f := newFakeService(t)
	f.frames = []string{`{"type":"complete","result":"ok"}`}
	r := newTestRemote(t, f)

	task, events, err := r.Dispatch(context.Background(), DispatchRequest{ThreadID: "T1", Prompt: "x"})
	require.NoError(t, err)
	collect(t, events)

	require.NoError(t, r.Interrupt(context.Background(), task))
	assert.Equal(t, []string{"task-1"}, f.cancelled)
	assert.True(t, task.Cancelled())
}

func TestRemoteCompact(t *testing.T) {
	f := newFakeService(t)
	r := newTestRemote(t, f)

	ev, err := r.Compact(context.Background(), CompactRequest{ThreadID: "T1", UpstreamSessionID: "old"})
	require.NoError(t, err)
	assert.Equal(t, relay.EventCompact, ev.Type)
	assert.Equal(t, "compacted-1", ev.UpstreamSessionID)
}
