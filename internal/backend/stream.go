// ABOUTME: Reconnecting SSE reader with bounded exponential backoff.
// ABOUTME: Classifies JSON event frames before forwarding them to the executor.

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/relay"
)

const (
	// streamBaseDelay is the initial reconnect delay.
	streamBaseDelay = 1 * time.Second
	// streamMaxDelay caps the reconnect delay.
	streamMaxDelay = 16 * time.Second
	// streamMaxRetries is the total reconnect attempts before the stream
	// is declared lost.
	streamMaxRetries = 5
)

// StreamConfig tunes the reconnecting event stream.
type StreamConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// withDefaults fills zero fields with the package defaults.
func (c StreamConfig) withDefaults() StreamConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = streamBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = streamMaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = streamMaxRetries
	}
	return c
}

// backoffDelay computes the reconnect delay for the given attempt:
// min(base * 2^attempt, max).
func backoffDelay(attempt int, cfg StreamConfig) time.Duration {
	d := cfg.BaseDelay << uint(attempt)
	if d <= 0 || d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// errStreamClosed marks a connection drop that is eligible for reconnect.
var errStreamClosed = errors.New("stream closed")

// cancelCause classifies a context cancellation: a deadline means the run
// stalled and is reported as connection_lost, anything else was an
// interrupt.
func cancelCause(ctx context.Context) *relay.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return relay.Errf(relay.KindConnectionLost, "event stream deadline exceeded")
	}
	return relay.Errf(relay.KindInterrupted, "stream cancelled")
}

// frameStream wraps one logical SSE subscription across possibly many
// physical connections. connect is invoked for the initial connection and
// every reconnect, always for the same task id.
type frameStream struct {
	connect func(ctx context.Context) (io.ReadCloser, error)
	cfg     StreamConfig
	logger  *slog.Logger

	// sleep is overridable in tests.
	sleep func(time.Duration)

	attempts int
}

func newFrameStream(connect func(ctx context.Context) (io.ReadCloser, error), cfg StreamConfig, logger *slog.Logger) *frameStream {
	return &frameStream{
		connect: connect,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// run consumes the stream until a terminal frame arrives, forwarding
// classified events to out. It returns nil after a terminal frame was
// forwarded, a connection_lost error when retries are exhausted, or a
// protocol_violation error for an untyped frame.
func (s *frameStream) run(ctx context.Context, out chan<- relay.Event) error {
	for {
		body, err := s.connect(ctx)
		if err != nil {
			if retryErr := s.awaitRetry(ctx, err); retryErr != nil {
				return retryErr
			}
			continue
		}

		terminal, err := s.consume(ctx, body, out)
		body.Close()
		if terminal {
			return err
		}
		if err != nil && !errors.Is(err, errStreamClosed) {
			return err
		}
		if ctx.Err() != nil {
			return cancelCause(ctx)
		}
		if retryErr := s.awaitRetry(ctx, err); retryErr != nil {
			return retryErr
		}
	}
}

// awaitRetry sleeps the backoff delay for the next attempt, or reports
// connection_lost once the attempt budget is spent.
func (s *frameStream) awaitRetry(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return cancelCause(ctx)
	}
	if s.attempts >= s.cfg.MaxRetries {
		return relay.Errf(relay.KindConnectionLost, "event stream lost after %d attempts: %v", s.attempts, cause)
	}

	delay := backoffDelay(s.attempts, s.cfg)
	s.attempts++
	s.logger.Warn("event stream dropped, reconnecting",
		"attempt", s.attempts,
		"delay", delay,
		"cause", cause)
	s.sleep(delay)
	return nil
}

// consume reads SSE frames from one physical connection. It returns
// terminal=true once a Complete or Error frame was forwarded; a false
// return with errStreamClosed means the connection dropped mid-stream.
func (s *frameStream) consume(ctx context.Context, body io.Reader, out chan<- relay.Event) (terminal bool, err error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// Blank line terminates one SSE frame.
		if line == "" {
			if data.Len() > 0 {
				frame := data.String()
				data.Reset()
				ev, forward, ferr := s.classify([]byte(frame))
				if ferr != nil {
					return true, ferr
				}
				if !forward {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return true, cancelCause(ctx)
				}
				if ev.Done {
					return true, nil
				}
			}
			continue
		}

		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
		}
		// Other SSE fields (event:, id:, retry:) are not used by the
		// service contract and are ignored.
	}

	if serr := scanner.Err(); serr != nil {
		return false, errors.Join(errStreamClosed, serr)
	}
	return false, errStreamClosed
}

// frame is the JSON envelope of one service event.
type frame struct {
	Type              string          `json:"type"`
	Text              string          `json:"text,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Tokens            int             `json:"tokens,omitempty"`
	Limit             int             `json:"limit,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Result            string          `json:"result,omitempty"`
	UpstreamSessionID string          `json:"upstream_session_id,omitempty"`
	Status            string          `json:"status,omitempty"`
	Kind              string          `json:"kind,omitempty"`
	Message           string          `json:"message,omitempty"`
	Retryable         bool            `json:"retryable,omitempty"`
}

// classify maps a raw frame onto the Event union. forward=false means the
// frame is swallowed (allowed rate-limit checks, unrecognized types). An
// error return is fatal to the current task.
func (s *frameStream) classify(raw []byte) (ev relay.Event, forward bool, err error) {
	var f frame
	if jerr := json.Unmarshal(raw, &f); jerr != nil {
		return relay.Event{}, false, relay.Errf(relay.KindProtocolViolation, "undecodable event frame: %v", jerr)
	}
	if f.Type == "" {
		return relay.Event{}, false, relay.Errf(relay.KindProtocolViolation, "event frame with no type")
	}

	switch f.Type {
	case "progress":
		return relay.Progress(f.Text), true, nil

	case "memory":
		return relay.Event{Type: relay.EventMemory, Payload: f.Payload}, true, nil

	case "context_usage":
		return relay.Event{Type: relay.EventContextUsage, Tokens: f.Tokens, Limit: f.Limit}, true, nil

	case "compact":
		return relay.Event{Type: relay.EventCompact, Reason: f.Reason, UpstreamSessionID: f.UpstreamSessionID}, true, nil

	case "complete":
		return relay.Complete(f.Result, f.UpstreamSessionID), true, nil

	case "error":
		kind := relay.ErrorKind(f.Kind)
		if kind == "" {
			kind = relay.KindExecutionError
		}
		return relay.ErrorEvent(&relay.Error{Kind: kind, Message: f.Message, Retryable: f.Retryable}), true, nil

	case "rate_limit_event":
		switch f.Status {
		case "allowed":
			return relay.Event{}, false, nil
		case "allowed_warning":
			s.logger.Info("rate limit warning from service", "status", f.Status)
			return relay.Event{Type: relay.EventRateLimit, Payload: raw}, true, nil
		default:
			s.logger.Warn("unexpected rate limit status", "status", f.Status)
			return relay.Event{}, false, nil
		}

	default:
		s.logger.Debug("skipping unrecognized event type", "type", f.Type)
		return relay.Event{}, false, nil
	}
}
