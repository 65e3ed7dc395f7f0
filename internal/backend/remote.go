// ABOUTME: Remote backend speaking HTTP dispatch plus SSE event streaming.
// ABOUTME: Maps service status codes and error bodies onto the relay taxonomy.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-relay/internal/relay"
)

const (
	// defaultRequestTimeout bounds dispatch, cancel, and compact calls.
	defaultRequestTimeout = 30 * time.Second
	// defaultRunTimeout bounds one whole task stream.
	defaultRunTimeout = 10 * time.Minute
	// remoteEventBuffer is the per-task event channel capacity.
	remoteEventBuffer = 16
)

// RemoteConfig configures the remote execution service client.
type RemoteConfig struct {
	// BaseURL is the service root, e.g. "https://exec.example.com".
	BaseURL string

	// APIKey, when set, is sent as a bearer token on every call.
	APIKey string

	// RequestTimeout bounds each non-streaming HTTP call.
	RequestTimeout time.Duration

	// RunTimeout bounds one whole task stream; a stall past it surfaces
	// as connection_lost instead of hanging the session.
	RunTimeout time.Duration

	// Stream tunes SSE reconnection.
	Stream StreamConfig
}

// Remote dispatches turns to the remote execution service and adapts its
// SSE event stream onto the Event union.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	logger *slog.Logger
}

// NewRemote creates a remote backend client. Pass nil logger for default.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) *Remote {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With("component", "remote"),
	}
}

// Name implements Backend.
func (r *Remote) Name() string { return "remote" }

// dispatchResponse is the service reply to a task creation call.
type dispatchResponse struct {
	TaskID string `json:"task_id"`
}

// errorBody is the service's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Dispatch implements Backend. It creates a task on the service, then
// consumes the task's SSE stream on a goroutine, forwarding classified
// events until the terminal event.
func (r *Remote) Dispatch(ctx context.Context, req DispatchRequest) (*Task, <-chan relay.Event, error) {
	body := map[string]string{
		"thread_id": req.ThreadID,
		"prompt":    req.Prompt,
	}
	if req.UpstreamSessionID != "" {
		body["upstream_session_id"] = req.UpstreamSessionID
	}

	var created dispatchResponse
	if err := r.post(ctx, r.cfg.BaseURL+"/v1/tasks", body, &created); err != nil {
		return nil, nil, err
	}
	if created.TaskID == "" {
		return nil, nil, relay.Errf(relay.KindProtocolViolation, "dispatch response missing task_id")
	}

	// The stream is detached from the dispatch context: the run outlives
	// the caller's request and is stopped only by Interrupt or the run
	// deadline.
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RunTimeout)
	task := NewTask(created.TaskID, req.ThreadID, r.Name(), cancel)

	out := make(chan relay.Event, remoteEventBuffer)
	stream := newFrameStream(func(ctx context.Context) (io.ReadCloser, error) {
		return r.openEventStream(ctx, created.TaskID)
	}, r.cfg.Stream, r.logger.With("task_id", created.TaskID))

	go func() {
		defer close(out)
		if err := stream.run(streamCtx, out); err != nil {
			// Unconditional send: the run deadline that produced err has
			// already cancelled streamCtx, and the consumer drains every
			// run to close, so this cannot block.
			out <- relay.ErrorEvent(relay.AsError(err))
		}
	}()

	r.logger.Debug("task dispatched",
		"thread_id", req.ThreadID,
		"task_id", created.TaskID,
		"resumed", req.UpstreamSessionID != "")
	return task, out, nil
}

// Interrupt implements Backend. It issues a cancel call against the task
// id and stops the local stream consumer.
func (r *Remote) Interrupt(ctx context.Context, task *Task) error {
	err := r.post(ctx, fmt.Sprintf("%s/v1/tasks/%s/cancel", r.cfg.BaseURL, task.ID), nil, nil)
	if err != nil {
		return err
	}
	task.Cancel()
	return nil
}

// Compact implements Backend. It asks the service to condense the session
// history and returns the Compact event with the replacement upstream id.
func (r *Remote) Compact(ctx context.Context, req CompactRequest) (relay.Event, error) {
	body := map[string]string{
		"thread_id":           req.ThreadID,
		"upstream_session_id": req.UpstreamSessionID,
	}

	var resp struct {
		UpstreamSessionID string `json:"upstream_session_id"`
		Reason            string `json:"reason"`
	}
	if err := r.post(ctx, r.cfg.BaseURL+"/v1/sessions/compact", body, &resp); err != nil {
		return relay.Event{}, err
	}
	if resp.UpstreamSessionID == "" {
		return relay.Event{}, relay.Errf(relay.KindProtocolViolation, "compact response missing upstream_session_id")
	}
	return relay.Event{
		Type:              relay.EventCompact,
		Reason:            resp.Reason,
		UpstreamSessionID: resp.UpstreamSessionID,
	}, nil
}

// post issues a JSON POST with the configured deadline, decoding a 2xx
// response into result when non-nil.
func (r *Remote) post(ctx context.Context, url string, body any, result any) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return relay.Errf(relay.KindConnectionLost, "calling service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return r.errorFromResponse(resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return relay.Errf(relay.KindProtocolViolation, "decoding response: %v", err)
	}
	return nil
}

// authorize attaches the bearer token when one is configured.
func (r *Remote) authorize(req *http.Request) {
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
}

// openEventStream opens the per-task SSE endpoint.
func (r *Remote) openEventStream(ctx context.Context, taskID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/tasks/%s/events", r.cfg.BaseURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, relay.Errf(relay.KindConnectionLost, "opening event stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := r.errorFromResponse(resp)
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// errorFromResponse maps a non-2xx response onto the relay taxonomy. The
// error-body discriminator wins when present; otherwise the status code
// decides.
func (r *Remote) errorFromResponse(resp *http.Response) *relay.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	kind := kindFromDiscriminator(eb.Error)
	if kind == "" {
		kind = kindFromStatus(resp.StatusCode)
	}
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("service returned %d", resp.StatusCode)
	}
	return relay.Errf(kind, "%s", msg)
}

// kindFromDiscriminator maps the error-body discriminator to a kind.
func kindFromDiscriminator(s string) relay.ErrorKind {
	switch s {
	case "task_conflict":
		return relay.KindTaskConflict
	case "task_not_found":
		return relay.KindTaskNotFound
	case "task_not_running":
		return relay.KindTaskNotRunning
	case "rate_limited":
		return relay.KindRateLimited
	default:
		return ""
	}
}

// kindFromStatus maps HTTP status codes to the taxonomy.
func kindFromStatus(code int) relay.ErrorKind {
	switch code {
	case http.StatusConflict:
		return relay.KindTaskConflict
	case http.StatusNotFound:
		return relay.KindTaskNotFound
	case http.StatusGone:
		return relay.KindTaskNotRunning
	case http.StatusTooManyRequests:
		return relay.KindRateLimited
	default:
		if code >= 500 {
			return relay.KindConnectionLost
		}
		return relay.KindExecutionError
	}
}
