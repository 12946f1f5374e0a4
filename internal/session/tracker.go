// Package session tracks per-instance conversation state: request/response
// turns, bounded history, and idle/timeout transitions.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/ccbridge/internal/domain"
)

const (
	// DefaultMaxHistory bounds the per-session turn list.
	DefaultMaxHistory = 100
	// DefaultRequestTimeout fails active turns that never complete.
	DefaultRequestTimeout = 120 * time.Second
	// DefaultIdleTimeout moves quiet sessions to idle.
	DefaultIdleTimeout = 300 * time.Second
	// DefaultMaxInactive reaps sessions untouched for this long.
	DefaultMaxInactive = time.Hour
)

// state is the mutable per-instance session record. All access goes through
// the tracker mutex; snapshots are copied out.
type state struct {
	instanceName      string
	createdAt         time.Time
	lastActivity      time.Time
	status            domain.SessionStatus
	turns             []domain.Turn
	activeRequestID   string
	totalRequests     int
	completedRequests int
	failedRequests    int
}

// IdleCallback fires when the monitor transitions a session to idle.
type IdleCallback func(instanceName string)

// Tracker is the process-wide session registry keyed by instance name.
// A single mutex covers the whole map; turn mutations therefore cannot race
// between the adapter completing a request and the monitor timing it out.
type Tracker struct {
	maxHistory     int
	requestTimeout time.Duration
	idleTimeout    time.Duration
	maxInactive    time.Duration
	onIdle         IdleCallback

	mu       sync.Mutex
	sessions map[string]*state
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxHistory overrides the per-session history bound.
func WithMaxHistory(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxHistory = n
		}
	}
}

// WithRequestTimeout overrides the active-turn watchdog deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.requestTimeout = d
		}
	}
}

// WithIdleTimeout overrides the active -> idle threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.idleTimeout = d
		}
	}
}

// WithMaxInactive overrides how long an untouched session survives before
// the monitor sweep removes it.
func WithMaxInactive(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.maxInactive = d
		}
	}
}

// WithIdleCallback registers a callback fired on idle transitions.
func WithIdleCallback(cb IdleCallback) Option {
	return func(t *Tracker) { t.onIdle = cb }
}

// NewTracker creates a session tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		maxHistory:     DefaultMaxHistory,
		requestTimeout: DefaultRequestTimeout,
		idleTimeout:    DefaultIdleTimeout,
		maxInactive:    DefaultMaxInactive,
		sessions:       make(map[string]*state),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartRequest opens a new active turn for the instance, creating the
// session lazily. Returns the generated request ID.
func (t *Tracker) StartRequest(instanceName, text string) (string, domain.SessionSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s, ok := t.sessions[instanceName]
	if !ok {
		s = &state{
			instanceName: instanceName,
			createdAt:    now,
			status:       domain.SessionInitializing,
		}
		t.sessions[instanceName] = s
	}

	requestID := uuid.NewString()
	turn := domain.Turn{
		RequestID:   requestID,
		RequestText: text,
		SentAt:      now,
		Status:      domain.TurnActive,
	}

	s.turns = append(s.turns, turn)
	if len(s.turns) > t.maxHistory {
		s.turns = s.turns[1:]
	}
	s.activeRequestID = requestID
	s.totalRequests++
	s.lastActivity = now
	s.status = domain.SessionActive

	return requestID, snapshotLocked(s)
}

// CompleteRequest finishes the identified turn. An empty errText marks it
// completed, otherwise failed. Completing an unknown or already-terminal
// turn is a no-op.
func (t *Tracker) CompleteRequest(instanceName, requestID, responseText, errText string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[instanceName]
	if !ok {
		return false
	}

	now := t.now()
	for i := range s.turns {
		turn := &s.turns[i]
		if turn.RequestID != requestID {
			continue
		}
		if turn.Terminal() {
			return false
		}

		if turn.ResponseStart == nil {
			start := now
			turn.ResponseStart = &start
		}
		end := now
		turn.ResponseEnd = &end
		turn.ResponseText = responseText
		if errText == "" {
			turn.Status = domain.TurnCompleted
			s.completedRequests++
		} else {
			turn.Status = domain.TurnFailed
			turn.Error = errText
			s.failedRequests++
		}

		if s.activeRequestID == requestID {
			s.activeRequestID = ""
		}
		s.lastActivity = now
		s.status = domain.SessionActive
		return true
	}
	return false
}

// MarkResponseStart records when the first response byte arrived for the
// active turn.
func (t *Tracker) MarkResponseStart(instanceName, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[instanceName]
	if !ok {
		return
	}
	for i := range s.turns {
		turn := &s.turns[i]
		if turn.RequestID == requestID && turn.ResponseStart == nil && !turn.Terminal() {
			start := t.now()
			turn.ResponseStart = &start
			return
		}
	}
}

// GetSession returns a snapshot of the named session.
func (t *Tracker) GetSession(instanceName string) (domain.SessionSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[instanceName]
	if !ok {
		return domain.SessionSnapshot{}, fmt.Errorf("%w: session %q", domain.ErrNotFound, instanceName)
	}
	return snapshotLocked(s), nil
}

// GetStatus returns the named session's status.
func (t *Tracker) GetStatus(instanceName string) (domain.SessionStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[instanceName]
	if !ok {
		return "", fmt.Errorf("%w: session %q", domain.ErrNotFound, instanceName)
	}
	return s.status, nil
}

// GetHistory returns up to limit most recent turns, oldest first. A limit of
// zero or less returns the full bounded history.
func (t *Tracker) GetHistory(instanceName string, limit int) ([]domain.Turn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[instanceName]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", domain.ErrNotFound, instanceName)
	}
	turns := s.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// GetAllStatuses returns the status of every tracked session.
func (t *Tracker) GetAllStatuses() map[string]domain.SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]domain.SessionStatus, len(t.sessions))
	for name, s := range t.sessions {
		out[name] = s.status
	}
	return out
}

// RemoveSession drops the named session. Removing an absent name is a no-op.
func (t *Tracker) RemoveSession(instanceName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, instanceName)
}

// CleanupInactiveSessions removes sessions with no activity for longer than
// maxInactive and returns their names.
func (t *Tracker) CleanupInactiveSessions(maxInactive time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxInactive)
	var removed []string
	for name, s := range t.sessions {
		if s.lastActivity.Before(cutoff) {
			s.status = domain.SessionInactive
			delete(t.sessions, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// ActiveRequest returns the active turn for the instance, if any.
func (t *Tracker) ActiveRequest(instanceName string) (domain.Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[instanceName]
	if !ok || s.activeRequestID == "" {
		return domain.Turn{}, false
	}
	for i := range s.turns {
		if s.turns[i].RequestID == s.activeRequestID {
			return s.turns[i], true
		}
	}
	return domain.Turn{}, false
}

// snapshotLocked copies session state. Caller holds t.mu.
func snapshotLocked(s *state) domain.SessionSnapshot {
	turns := make([]domain.Turn, len(s.turns))
	copy(turns, s.turns)
	return domain.SessionSnapshot{
		InstanceName:      s.instanceName,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		Status:            s.status,
		Turns:             turns,
		ActiveRequestID:   s.activeRequestID,
		TotalRequests:     s.totalRequests,
		CompletedRequests: s.completedRequests,
		FailedRequests:    s.failedRequests,
	}
}
