package domain

import "time"

// TurnStatus is the lifecycle state of one request/response turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnActive    TurnStatus = "active"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Turn is a single request/response pair within a session. A turn is
// immutable once its status is completed or failed.
type Turn struct {
	RequestID     string     `json:"request_id"`
	RequestText   string     `json:"request_text"`
	SentAt        time.Time  `json:"sent_at"`
	ResponseStart *time.Time `json:"response_start,omitempty"`
	ResponseEnd   *time.Time `json:"response_end,omitempty"`
	ResponseText  string     `json:"response_text,omitempty"`
	Status        TurnStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
}

// Terminal reports whether the turn can no longer change.
func (t *Turn) Terminal() bool {
	return t.Status == TurnCompleted || t.Status == TurnFailed
}

// Duration returns the elapsed time between send and response end, or zero
// while the turn is still in flight.
func (t *Turn) Duration() time.Duration {
	if t.ResponseEnd == nil {
		return 0
	}
	return t.ResponseEnd.Sub(t.SentAt)
}

// SessionStatus is the state of a per-instance conversation session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionInactive     SessionStatus = "inactive"
	SessionError        SessionStatus = "error"
)

// SessionSnapshot is a read-only copy of a session's state, safe to hand out
// across goroutines.
type SessionSnapshot struct {
	InstanceName      string        `json:"instance_name"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivity      time.Time     `json:"last_activity"`
	Status            SessionStatus `json:"status"`
	Turns             []Turn        `json:"turns"`
	ActiveRequestID   string        `json:"active_request_id,omitempty"`
	TotalRequests     int           `json:"total_requests"`
	CompletedRequests int           `json:"completed_requests"`
	FailedRequests    int           `json:"failed_requests"`
}

// SuccessRate returns the fraction of finished requests that completed
// successfully, or zero when nothing has finished yet.
func (s *SessionSnapshot) SuccessRate() float64 {
	done := s.CompletedRequests + s.FailedRequests
	if done == 0 {
		return 0
	}
	return float64(s.CompletedRequests) / float64(done)
}
