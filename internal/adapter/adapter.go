// Package adapter hides the two agent transports behind one
// request/response contract: tmux pane scraping for terminal instances and
// the FIFO daemon protocol (or legacy exec stdio) for container instances.
package adapter

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/ccbridge/internal/config"
	"github.com/ashureev/ccbridge/internal/dockerx"
	"github.com/ashureev/ccbridge/internal/domain"
	"github.com/ashureev/ccbridge/internal/session"
	"github.com/ashureev/ccbridge/internal/tmux"
)

// clearCommand resets the agent's conversation context.
const clearCommand = "/clear"

// Info is a structured snapshot of an adapter's state.
type Info struct {
	Name        string                   `json:"name"`
	Type        domain.InstanceType      `json:"type"`
	Running     bool                     `json:"running"`
	CommMode    domain.CommunicationMode `json:"communication_mode,omitempty"`
	TmuxSession string                   `json:"tmux_session,omitempty"`
	ContainerID string                   `json:"container_id,omitempty"`
	Cwd         string                   `json:"cwd,omitempty"`
}

// Adapter is the uniform contract over both transports. SendCommand yields
// a finite, non-restartable chunk sequence; at most one command may be in
// flight per adapter (each implementation serializes internally).
type Adapter interface {
	Name() string
	IsRunning(ctx context.Context) bool
	// Start brings the instance up. It is idempotent: starting a running
	// instance succeeds without side effects.
	Start(ctx context.Context) error
	SendCommand(ctx context.Context, text string) iter.Seq2[string, error]
	// SendCommandAndWait aggregates the chunk stream. ok is false when the
	// transport failed or timed out; text then carries whatever was salvaged.
	SendCommandAndWait(ctx context.Context, text string) (ok bool, response string)
	Interrupt(ctx context.Context) error
	ClearConversation(ctx context.Context) error
	Info(ctx context.Context) Info
	// Cleanup releases transport resources. Idempotent.
	Cleanup() error
}

// Deps carries the collaborators adapters need.
type Deps struct {
	Tmux    *tmux.Client
	Docker  dockerx.APIClient
	Tracker *session.Tracker
	Config  *config.Config
}

// New maps an instance record to its transport adapter.
func New(inst domain.Instance, deps Deps) (Adapter, error) {
	switch inst.InstanceType {
	case domain.InstanceTypeTmux:
		return NewTmuxAdapter(inst, deps.Tmux, deps.Tracker, deps.Config.Delta), nil
	case domain.InstanceTypeDocker:
		return NewDockerAdapter(inst, deps.Docker, deps.Tracker, deps.Config.PipeDir, deps.Config.Timeout.PipeRead), nil
	default:
		return nil, fmt.Errorf("%w: unknown instance type %q", domain.ErrValidation, inst.InstanceType)
	}
}

// aggregate drains a chunk sequence into one string, reporting whether the
// stream ended cleanly.
func aggregate(seq iter.Seq2[string, error]) (bool, string) {
	var sb strings.Builder
	ok := true
	for chunk, err := range seq {
		if err != nil {
			ok = false
			continue
		}
		sb.WriteString(chunk)
	}
	return ok, sb.String()
}

