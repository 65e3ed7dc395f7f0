// ABOUTME: Tests for the remote-backend circuit breaker.
// ABOUTME: Covers threshold tripping, cooldown gating, and probe outcomes.

package health

import (
	"testing"
	"time"
)

// fixedClock lets tests advance time manually.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(threshold int, cooldown time.Duration) (*Tracker, *fixedClock) {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(threshold, cooldown, nil)
	tr.now = clock.now
	return tr, clock
}

func TestTrackerThreshold(t *testing.T) {
	tr, _ := newTestTracker(3, time.Minute)

	tr.RecordFailure()
	tr.RecordFailure()
	if !tr.AllowRemote() {
		t.Fatal("remote should be allowed below threshold")
	}
	if tr.Status() != StatusHealthy {
		t.Fatalf("expected healthy, got %s", tr.Status())
	}

	tr.RecordFailure()
	if tr.Status() != StatusCoolingDown {
		t.Fatalf("expected cooling_down after threshold, got %s", tr.Status())
	}
	if tr.AllowRemote() {
		t.Fatal("remote should not be allowed while cooling down")
	}
}

func TestTrackerSuccessResetsCounter(t *testing.T) {
	tr, _ := newTestTracker(3, time.Minute)

	tr.RecordFailure()
	tr.RecordFailure()
	tr.RecordSuccess()
	tr.RecordFailure()
	tr.RecordFailure()

	if tr.Status() != StatusHealthy {
		t.Fatalf("counter should have reset on success, got %s", tr.Status())
	}
}

func TestTrackerProbe(t *testing.T) {
	t.Run("successful probe closes breaker", func(t *testing.T) {
		tr, clock := newTestTracker(2, time.Minute)

		tr.RecordFailure()
		tr.RecordFailure()
		if tr.AllowRemote() {
			t.Fatal("breaker should be open")
		}

		clock.advance(59 * time.Second)
		if tr.AllowRemote() {
			t.Fatal("cooldown has not elapsed yet")
		}

		clock.advance(2 * time.Second)
		if !tr.AllowRemote() {
			t.Fatal("probe should be allowed after cooldown")
		}

		tr.RecordSuccess()
		if tr.Status() != StatusHealthy {
			t.Fatalf("expected healthy after probe success, got %s", tr.Status())
		}
		if !tr.AllowRemote() {
			t.Fatal("remote should be allowed after breaker closes")
		}
	})

	t.Run("failed probe re-arms full cooldown", func(t *testing.T) {
		tr, clock := newTestTracker(2, time.Minute)

		tr.RecordFailure()
		tr.RecordFailure()

		clock.advance(61 * time.Second)
		if !tr.AllowRemote() {
			t.Fatal("probe should be allowed")
		}
		tr.RecordFailure()

		if tr.Status() != StatusCoolingDown {
			t.Fatalf("expected cooling_down after failed probe, got %s", tr.Status())
		}
		clock.advance(59 * time.Second)
		if tr.AllowRemote() {
			t.Fatal("failed probe must re-arm the full window")
		}
		clock.advance(2 * time.Second)
		if !tr.AllowRemote() {
			t.Fatal("next probe should be allowed after re-armed window")
		}
	})
}

func TestTrackerRateLimits(t *testing.T) {
	tr, _ := newTestTracker(2, time.Minute)

	tr.RecordRateLimited()
	tr.RecordRateLimited()
	tr.RecordRateLimited()

	if tr.Status() != StatusHealthy {
		t.Fatalf("rate limits must not trip the breaker, got %s", tr.Status())
	}
	snap := tr.GetSnapshot()
	if snap.RateLimits != 3 {
		t.Errorf("expected 3 rate limits recorded, got %d", snap.RateLimits)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("rate limits must not advance the failure count, got %d", snap.ConsecutiveFailures)
	}
}
