package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/ccbridge/internal/domain"
)

// DefaultMonitorInterval is the background sweep cadence.
const DefaultMonitorInterval = 30 * time.Second

// requestTimeoutError is recorded on turns the watchdog fails.
const requestTimeoutError = "Request timeout"

// StartMonitor runs the background sweep that fails stale active turns and
// transitions quiet sessions to idle. Runs until ctx is cancelled.
func (t *Tracker) StartMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session monitor started", "interval", interval)
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-ctx.Done():
				slog.Info("Session monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (t *Tracker) sweep() {
	type timedOut struct {
		instance  string
		requestID string
	}

	t.mu.Lock()
	now := t.now()
	var expired []timedOut
	var wentIdle []string

	for name, s := range t.sessions {
		if s.activeRequestID != "" {
			for i := range s.turns {
				turn := &s.turns[i]
				if turn.RequestID == s.activeRequestID && !turn.Terminal() &&
					now.Sub(turn.SentAt) > t.requestTimeout {
					expired = append(expired, timedOut{instance: name, requestID: turn.RequestID})
				}
			}
		}
		if s.status == domain.SessionActive && s.activeRequestID == "" &&
			now.Sub(s.lastActivity) > t.idleTimeout {
			s.status = domain.SessionIdle
			wentIdle = append(wentIdle, name)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		slog.Warn("Active turn exceeded request timeout", "instance", e.instance, "request_id", e.requestID)
		t.CompleteRequest(e.instance, e.requestID, "", requestTimeoutError)
	}
	for _, name := range wentIdle {
		slog.Debug("Session went idle", "instance", name)
		if t.onIdle != nil {
			t.onIdle(name)
		}
	}

	if removed := t.CleanupInactiveSessions(t.maxInactive); len(removed) > 0 {
		slog.Info("Inactive sessions removed", "count", len(removed), "instances", removed)
	}
}
