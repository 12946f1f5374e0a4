package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Deduplicator remembers recently processed update IDs so upstream retries
// collapse to a single handled event. Bounded by capacity with
// eldest-by-timestamp eviction, entries expire after ttl.
type Deduplicator struct {
	capacity int
	ttl      time.Duration

	mu   sync.Mutex
	seen map[int]time.Time
	now  func() time.Time
}

// NewDeduplicator creates a bounded dedup set.
func NewDeduplicator(capacity int, ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		capacity: capacity,
		ttl:      ttl,
		seen:     make(map[int]time.Time),
		now:      time.Now,
	}
}

// IsProcessed marks the update ID as seen and returns true when it was
// already seen within the TTL. When the set is full the eldest entry is
// evicted to admit the new ID.
func (d *Deduplicator) IsProcessed(updateID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if _, ok := d.seen[updateID]; ok {
		return true
	}

	if len(d.seen) >= d.capacity {
		d.evictEldestLocked()
	}
	d.seen[updateID] = now
	return false
}

// Len returns the number of remembered IDs.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// StartSweeper expires stale entries in the background so an ID cannot
// outlive its TTL just because no further updates arrive. Runs until ctx is
// cancelled.
func (d *Deduplicator) StartSweeper(ctx context.Context) {
	interval := d.ttl / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.mu.Lock()
				before := len(d.seen)
				d.expireLocked(d.now())
				removed := before - len(d.seen)
				d.mu.Unlock()
				if removed > 0 {
					slog.Debug("Dedup sweeper expired entries", "removed", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// expireLocked drops entries older than the TTL. Caller holds d.mu.
func (d *Deduplicator) expireLocked(now time.Time) {
	cutoff := now.Add(-d.ttl)
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}

// evictEldestLocked removes the entry with the oldest timestamp. Caller
// holds d.mu.
func (d *Deduplicator) evictEldestLocked() {
	var eldestID int
	var eldestAt time.Time
	first := true
	for id, at := range d.seen {
		if first || at.Before(eldestAt) {
			eldestID, eldestAt = id, at
			first = false
		}
	}
	if !first {
		delete(d.seen, eldestID)
	}
}
