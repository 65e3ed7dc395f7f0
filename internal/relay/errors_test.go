// ABOUTME: Tests for the error taxonomy and event type wire names.
// ABOUTME: Covers retryability derivation, wrapping, and classification helpers.

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrfRetryability(t *testing.T) {
	retryable := []ErrorKind{KindConnectionLost, KindRateLimited}
	terminal := []ErrorKind{
		KindTaskConflict, KindTaskNotFound, KindTaskNotRunning,
		KindProtocolViolation, KindExecutionError, KindInterrupted,
	}

	for _, k := range retryable {
		if !Errf(k, "x").Retryable {
			t.Errorf("%s must be retryable", k)
		}
	}
	for _, k := range terminal {
		if Errf(k, "x").Retryable {
			t.Errorf("%s must not be retryable", k)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Errf(KindTaskConflict, "busy"))

	if KindOf(err) != KindTaskConflict {
		t.Errorf("KindOf through wrap = %s", KindOf(err))
	}
	if !IsKind(err, KindTaskConflict) {
		t.Error("IsKind must see through wrapping")
	}
	if IsRetryable(err) {
		t.Error("task_conflict is not retryable")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindExecutionError {
		t.Error("unclassified errors default to execution_error")
	}
	got := AsError(errors.New("plain"))
	if got.Kind != KindExecutionError || got.Retryable {
		t.Errorf("AsError(plain) = %+v", got)
	}
}

func TestAsErrorPreservesClassified(t *testing.T) {
	orig := Errf(KindRateLimited, "slow down")
	if AsError(fmt.Errorf("outer: %w", orig)) != orig {
		t.Error("AsError must return the original classified error")
	}
}

func TestEventTypeJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(Complete("done", "abc"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "complete" {
		t.Errorf("type on the wire = %v, want name not ordinal", m["type"])
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != EventComplete || ev.Result != "done" || !ev.Done {
		t.Errorf("round trip lost fields: %+v", ev)
	}

	if err := json.Unmarshal([]byte(`{"type":"nonsense"}`), &ev); err == nil {
		t.Error("unknown type names must fail to decode")
	}
}
