// ABOUTME: Tests for the delivery dedupe cache.
// ABOUTME: Covers duplicate detection, TTL expiry, eviction, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSeenDetectsDuplicates(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	if c.Seen("T1", "m1") {
		t.Error("first delivery must not be a duplicate")
	}
	if !c.Seen("T1", "m1") {
		t.Error("second delivery of the same message must be a duplicate")
	}
	if c.Seen("T1", "m2") {
		t.Error("a different message id is not a duplicate")
	}
	if c.Seen("T2", "m1") {
		t.Error("the same message id on another thread is not a duplicate")
	}
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	c.Seen("T1", "m1")
	time.Sleep(40 * time.Millisecond)

	if c.Seen("T1", "m1") {
		t.Error("expired entries must not count as duplicates")
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Seen("T1", fmt.Sprintf("m%d", i))
	}

	if got := c.Len(); got != 3 {
		t.Errorf("expected 3 entries after eviction, got %d", got)
	}
	// m0 was evicted, so it reads as new again.
	if c.Seen("T1", "m0") {
		t.Error("evicted entry must not count as a duplicate")
	}
}

func TestSeenConcurrent(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	const goroutines = 32
	var wg sync.WaitGroup
	duplicates := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			duplicates <- c.Seen("T1", "race")
		}()
	}
	wg.Wait()
	close(duplicates)

	fresh := 0
	for dup := range duplicates {
		if !dup {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("exactly one delivery must pass, got %d", fresh)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
