// ABOUTME: Typed event vocabulary shared by the remote and local backends.
// ABOUTME: Defines the Event union emitted to callers and its terminal semantics.

package relay

import (
	"encoding/json"
	"fmt"
)

// EventType indicates the kind of event emitted during an execution.
type EventType int

const (
	// EventProgress carries incremental agent output text.
	EventProgress EventType = iota
	// EventMemory carries an opaque memory-subsystem payload.
	EventMemory
	// EventInterventionSent acknowledges that a mid-run prompt redirected
	// the session; it always precedes the first event of the new run.
	EventInterventionSent
	// EventContextUsage reports context-window consumption.
	EventContextUsage
	// EventRateLimit is a low-severity throttle warning from the remote
	// service. Non-terminal; transports may ignore it.
	EventRateLimit
	// EventCompact reports that the session history was condensed into a
	// new upstream session id.
	EventCompact
	// EventComplete is the successful terminal event of a run.
	EventComplete
	// EventError is the failed terminal event of a run.
	EventError
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventMemory:
		return "memory"
	case EventInterventionSent:
		return "intervention_sent"
	case EventContextUsage:
		return "context_usage"
	case EventRateLimit:
		return "rate_limit"
	case EventCompact:
		return "compact"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the event type by its wire name.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes an event type from its wire name.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for et := EventProgress; et <= EventError; et++ {
		if et.String() == name {
			*t = et
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", name)
}

// Event is the uniform output contract for both backends. Exactly one run
// produces a finite sequence of Events ending in a single terminal event
// (Complete or Error), marked by Done.
type Event struct {
	Type EventType `json:"type"`

	// Text holds incremental output for Progress events.
	Text string `json:"text,omitempty"`

	// Payload holds the raw frame body for Memory and RateLimit events.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Prompt is the redirecting prompt for InterventionSent events.
	Prompt string `json:"prompt,omitempty"`

	// Tokens and Limit describe context consumption for ContextUsage events.
	Tokens int `json:"tokens,omitempty"`
	Limit  int `json:"limit,omitempty"`

	// Reason explains a Compact event.
	Reason string `json:"reason,omitempty"`

	// Result is the full response text for Complete events.
	Result string `json:"result,omitempty"`

	// UpstreamSessionID is the backend conversation id, set on Complete and
	// Compact events when the backend returned one.
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`

	// Err describes an Error event.
	Err *Error `json:"error,omitempty"`

	// Done marks the terminal event of a run.
	Done bool `json:"done,omitempty"`
}

// Complete builds the successful terminal event for a run.
func Complete(result, upstreamID string) Event {
	return Event{Type: EventComplete, Result: result, UpstreamSessionID: upstreamID, Done: true}
}

// Progress builds an incremental output event.
func Progress(text string) Event {
	return Event{Type: EventProgress, Text: text}
}

// ErrorEvent builds the failed terminal event for a run.
func ErrorEvent(err *Error) Event {
	return Event{Type: EventError, Err: err, Done: true}
}
