// ABOUTME: Tests for the session registry and its single-flight gate.
// ABOUTME: Covers concurrent BeginRun races, pending prompts, and compaction state.

package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestBeginRunSingleFlight(t *testing.T) {
	t.Run("exactly one concurrent caller wins", func(t *testing.T) {
		reg := NewRegistry(nil)

		const callers = 32
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, busy := reg.BeginRun("t1", "c1"); !busy {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly 1 winner, got %d", got)
		}

		snap, ok := reg.Get("t1")
		if !ok || snap.State != StateRunning {
			t.Fatalf("expected running session, got %+v ok=%v", snap, ok)
		}
	})

	t.Run("idle again after EndRun", func(t *testing.T) {
		reg := NewRegistry(nil)

		if _, busy := reg.BeginRun("t1", "c1"); busy {
			t.Fatal("first BeginRun should not be busy")
		}
		reg.EndRun("t1")

		if _, busy := reg.BeginRun("t1", "c1"); busy {
			t.Fatal("BeginRun after EndRun should not be busy")
		}
	})

	t.Run("independent threads run concurrently", func(t *testing.T) {
		reg := NewRegistry(nil)

		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("t%d", i)
			if _, busy := reg.BeginRun(id, "c1"); busy {
				t.Fatalf("thread %s unexpectedly busy", id)
			}
		}
		if reg.Len() != 10 {
			t.Fatalf("expected 10 sessions, got %d", reg.Len())
		}
	})
}

func TestCompleteRun(t *testing.T) {
	reg := NewRegistry(nil)
	reg.BeginRun("t1", "c1")
	reg.CompleteRun("t1", "abc")

	snap, _ := reg.Get("t1")
	if snap.State != StateIdle {
		t.Errorf("expected idle after complete, got %s", snap.State)
	}
	if snap.UpstreamSessionID != "abc" {
		t.Errorf("expected upstream id abc, got %q", snap.UpstreamSessionID)
	}
	if snap.Turns != 1 {
		t.Errorf("expected 1 turn, got %d", snap.Turns)
	}

	// Empty upstream id must not clobber a stored one.
	reg.BeginRun("t1", "c1")
	reg.CompleteRun("t1", "")
	snap, _ = reg.Get("t1")
	if snap.UpstreamSessionID != "abc" {
		t.Errorf("upstream id clobbered: %q", snap.UpstreamSessionID)
	}
	if snap.Turns != 2 {
		t.Errorf("expected 2 turns, got %d", snap.Turns)
	}
}

func TestPendingPrompt(t *testing.T) {
	t.Run("last write wins", func(t *testing.T) {
		reg := NewRegistry(nil)
		reg.BeginRun("t1", "c1")

		if displaced := reg.QueuePending("t1", "first"); displaced {
			t.Error("first queue should not displace")
		}
		if displaced := reg.QueuePending("t1", "second"); !displaced {
			t.Error("second queue should report displacement")
		}

		p, ok := reg.TakePending("t1")
		if !ok || p.Text != "second" {
			t.Fatalf("expected second prompt, got %+v ok=%v", p, ok)
		}

		// Slot cleared after take.
		if _, ok := reg.TakePending("t1"); ok {
			t.Error("pending slot should be empty after take")
		}
	})

	t.Run("hand-back never displaces a newer prompt", func(t *testing.T) {
		reg := NewRegistry(nil)
		reg.BeginRun("t1", "c1")

		reg.QueuePending("t1", "taken")
		p, _ := reg.TakePending("t1")

		if !reg.QueuePendingIfEmpty("t1", p.Text) {
			t.Error("empty slot should accept the handed-back prompt")
		}
		if _, ok := reg.TakePending("t1"); !ok {
			t.Fatal("handed-back prompt should be queued")
		}

		// A newer prompt queued meanwhile wins over the hand-back.
		reg.QueuePending("t1", "newer")
		if reg.QueuePendingIfEmpty("t1", "taken") {
			t.Error("occupied slot must not be overwritten")
		}
		p, ok := reg.TakePending("t1")
		if !ok || p.Text != "newer" {
			t.Fatalf("expected newer prompt to survive, got %+v ok=%v", p, ok)
		}
	})

	t.Run("unknown thread", func(t *testing.T) {
		reg := NewRegistry(nil)
		if reg.QueuePending("missing", "x") {
			t.Error("queue on missing thread should not displace")
		}
		if _, ok := reg.TakePending("missing"); ok {
			t.Error("take on missing thread should report empty")
		}
		if reg.QueuePendingIfEmpty("missing", "x") {
			t.Error("hand-back on missing thread should report not stored")
		}
	})
}

func TestCompaction(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Create("t1", "c1")
	reg.SetUpstreamID("t1", "old")

	snap, busy := reg.BeginCompact("t1")
	if busy {
		t.Fatal("compact on idle session should be allowed")
	}
	if snap.UpstreamSessionID != "old" {
		t.Fatalf("expected snapshot with upstream id, got %q", snap.UpstreamSessionID)
	}

	// Running and compacting sessions both reject new runs and compactions.
	if _, busy := reg.BeginRun("t1", "c1"); !busy {
		t.Error("BeginRun during compaction should be busy")
	}
	if _, busy := reg.BeginCompact("t1"); !busy {
		t.Error("BeginCompact during compaction should be busy")
	}

	reg.EndCompact("t1", "new")
	snap, _ = reg.Get("t1")
	if snap.State != StateIdle || snap.UpstreamSessionID != "new" {
		t.Fatalf("expected idle session with new upstream id, got %+v", snap)
	}

	// Compaction while running is rejected, never queued.
	reg.BeginRun("t1", "c1")
	if _, busy := reg.BeginCompact("t1"); !busy {
		t.Error("BeginCompact while running should be busy")
	}
}

func TestRestore(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Restore(Session{
		ThreadID:          "t1",
		ChannelID:         "c1",
		Mode:              ModeLocal,
		UpstreamSessionID: "abc",
		Turns:             4,
		State:             StateRunning,
	})

	snap, ok := reg.Get("t1")
	if !ok {
		t.Fatal("restored session should exist")
	}
	if snap.State != StateIdle {
		t.Errorf("restored sessions must start idle, got %s", snap.State)
	}
	if snap.UpstreamSessionID != "abc" || snap.Turns != 4 || snap.Mode != ModeLocal {
		t.Errorf("restore lost durable fields: %+v", snap)
	}

	// Restore never overwrites a live session.
	reg.Restore(Session{ThreadID: "t1", UpstreamSessionID: "other"})
	snap, _ = reg.Get("t1")
	if snap.UpstreamSessionID != "abc" {
		t.Errorf("restore must not clobber an existing session, got %q", snap.UpstreamSessionID)
	}
}
