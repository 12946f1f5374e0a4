package guard

import (
	"log/slog"
	"sync"
	"time"
)

const drainLogInterval = 5 * time.Second

// ShutdownGate tracks in-flight webhook requests so shutdown can drain them.
// Once Shutdown is called new requests must be refused by the middleware.
type ShutdownGate struct {
	mu       sync.Mutex
	inflight int
	down     chan struct{}
	once     sync.Once
}

// NewShutdownGate creates an open gate.
func NewShutdownGate() *ShutdownGate {
	return &ShutdownGate{down: make(chan struct{})}
}

// Increment registers an in-flight request.
func (g *ShutdownGate) Increment() {
	g.mu.Lock()
	g.inflight++
	g.mu.Unlock()
}

// Decrement releases an in-flight request.
func (g *ShutdownGate) Decrement() {
	g.mu.Lock()
	if g.inflight > 0 {
		g.inflight--
	}
	g.mu.Unlock()
}

// Pending returns the current in-flight count.
func (g *ShutdownGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Shutdown closes the gate. Idempotent.
func (g *ShutdownGate) Shutdown() {
	g.once.Do(func() { close(g.down) })
}

// ShuttingDown reports whether Shutdown has been called.
func (g *ShutdownGate) ShuttingDown() bool {
	select {
	case <-g.down:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once shutdown begins.
func (g *ShutdownGate) Done() <-chan struct{} {
	return g.down
}

// WaitForDrain blocks until the in-flight counter reaches zero or timeout
// elapses, logging progress every few seconds. Returns true when fully
// drained.
func (g *ShutdownGate) WaitForDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	lastLog := time.Now()

	for {
		pending := g.Pending()
		if pending == 0 {
			return true
		}
		if time.Now().After(deadline) {
			slog.Warn("Shutdown drain timed out", "pending", pending)
			return false
		}
		if time.Since(lastLog) >= drainLogInterval {
			slog.Info("Waiting for in-flight requests", "pending", pending)
			lastLog = time.Now()
		}
		time.Sleep(100 * time.Millisecond)
	}
}
