package guard

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(60*time.Second, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow(99) {
		t.Fatal("first request should be allowed")
	}
	if !rl.Allow(99) {
		t.Fatal("second request should be allowed")
	}
	if rl.Allow(99) {
		t.Fatal("third request should be denied")
	}

	retry := rl.RetryAfter(99)
	if retry <= 0 || retry > 60*time.Second {
		t.Errorf("retry_after out of range: %v", retry)
	}

	// After the oldest timestamp ages out, exactly one slot opens.
	now = now.Add(61 * time.Second)
	if !rl.Allow(99) {
		t.Fatal("request should be allowed after window expiry")
	}
}

func TestRateLimiter_SendersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	if !rl.Allow(1) {
		t.Fatal("sender 1 should be allowed")
	}
	if !rl.Allow(2) {
		t.Fatal("sender 2 should be allowed")
	}
	if rl.Allow(1) {
		t.Fatal("sender 1 should be limited")
	}
}

func TestRateLimiter_RetryAfterZeroWhenOpen(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 5)
	if got := rl.RetryAfter(7); got != 0 {
		t.Errorf("Expected 0 retry_after with empty window, got %v", got)
	}
}

func TestDeduplicator_SecondCallIsProcessed(t *testing.T) {
	d := NewDeduplicator(100, 10*time.Minute)

	if d.IsProcessed(1) {
		t.Fatal("first call must return false")
	}
	if !d.IsProcessed(1) {
		t.Fatal("second call must return true")
	}
	if !d.IsProcessed(1) {
		t.Fatal("third call must return true")
	}
}

func TestDeduplicator_CapacityEviction(t *testing.T) {
	d := NewDeduplicator(3, 10*time.Minute)
	now := time.Unix(2000, 0)
	d.now = func() time.Time { return now }

	for id := 1; id <= 4; id++ {
		now = now.Add(time.Second)
		if d.IsProcessed(id) {
			t.Fatalf("id %d unexpectedly seen", id)
		}
	}

	if got := d.Len(); got != 3 {
		t.Errorf("Expected capacity preserved at 3, got %d", got)
	}
	// Eldest (id 1) was evicted, so it reads as fresh again.
	if d.IsProcessed(1) {
		t.Error("evicted id should read as unseen")
	}
}

func TestDeduplicator_TTLExpiry(t *testing.T) {
	d := NewDeduplicator(100, time.Minute)
	now := time.Unix(3000, 0)
	d.now = func() time.Time { return now }

	if d.IsProcessed(5) {
		t.Fatal("first call must return false")
	}
	now = now.Add(2 * time.Minute)
	if d.IsProcessed(5) {
		t.Error("expired id should read as unseen")
	}
}

func TestShutdownGate_Drain(t *testing.T) {
	g := NewShutdownGate()

	g.Increment()
	g.Increment()
	g.Decrement()
	if got := g.Pending(); got != 1 {
		t.Fatalf("Expected 1 pending, got %d", got)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		g.Decrement()
	}()

	if !g.WaitForDrain(5 * time.Second) {
		t.Error("Expected drain to complete")
	}
}

func TestShutdownGate_WaitBoundedOnStuckRequests(t *testing.T) {
	g := NewShutdownGate()
	g.Increment()

	start := time.Now()
	if g.WaitForDrain(300 * time.Millisecond) {
		t.Error("Expected drain to time out")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("WaitForDrain exceeded its bound: %v", elapsed)
	}
}

func TestShutdownGate_CounterNeverNegative(t *testing.T) {
	g := NewShutdownGate()
	g.Decrement()
	if got := g.Pending(); got != 0 {
		t.Errorf("Expected 0 pending, got %d", got)
	}
}

func TestShutdownGate_ShutdownIdempotent(t *testing.T) {
	g := NewShutdownGate()
	if g.ShuttingDown() {
		t.Fatal("gate should start open")
	}
	g.Shutdown()
	g.Shutdown()
	if !g.ShuttingDown() {
		t.Fatal("gate should be shut")
	}
	select {
	case <-g.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestShutdownGate_ConcurrentCounting(t *testing.T) {
	g := NewShutdownGate()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Increment()
			g.Decrement()
		}()
	}
	wg.Wait()
	if got := g.Pending(); got != 0 {
		t.Errorf("Expected 0 pending after balanced ops, got %d", got)
	}
}
