package adapter

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ccbridge/internal/config"
	"github.com/ashureev/ccbridge/internal/domain"
	"github.com/ashureev/ccbridge/internal/session"
	"github.com/ashureev/ccbridge/internal/tmux"
)

// agentCommand is what a freshly started tmux instance runs.
const agentCommand = "claude"

// TmuxAdapter drives an agent living in a tmux session. Screen scraping is
// inherently racy, so SendCommand runs the delta-extraction protocol:
// snapshot the pane before sending, then poll until output changed and the
// prompt has been stable for several checks in a row.
type TmuxAdapter struct {
	inst    domain.Instance
	tmux    *tmux.Client
	tracker *session.Tracker
	delta   config.DeltaConfig

	mu sync.Mutex
}

// NewTmuxAdapter creates the terminal-variant adapter.
func NewTmuxAdapter(inst domain.Instance, client *tmux.Client, tracker *session.Tracker, delta config.DeltaConfig) *TmuxAdapter {
	if delta.PollInterval <= 0 {
		delta.PollInterval = time.Second
	}
	if delta.MinWait <= 0 {
		delta.MinWait = 2 * time.Second
	}
	if delta.StableChecks <= 0 {
		delta.StableChecks = 3
	}
	if delta.PromptChars == "" {
		delta.PromptChars = "❯>»"
	}
	return &TmuxAdapter{inst: inst, tmux: client, tracker: tracker, delta: delta}
}

// Name returns the instance name.
func (a *TmuxAdapter) Name() string { return a.inst.Name }

// IsRunning checks session existence via the multiplexer.
func (a *TmuxAdapter) IsRunning(ctx context.Context) bool {
	return a.tmux.HasSession(ctx, a.inst.TmuxSession)
}

// Start creates the tmux session running the agent. No-op when already up.
func (a *TmuxAdapter) Start(ctx context.Context) error {
	if a.IsRunning(ctx) {
		return nil
	}
	if err := a.tmux.NewSession(ctx, a.inst.TmuxSession, a.inst.Cwd, agentCommand); err != nil {
		return fmt.Errorf("%w: start tmux instance %s: %w", domain.ErrTransport, a.inst.Name, err)
	}
	slog.Info("Tmux instance started", "instance", a.inst.Name, "session", a.inst.TmuxSession)
	return nil
}

// SendCommand injects the command and yields the extracted response as a
// single chunk once the pane settles.
func (a *TmuxAdapter) SendCommand(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		a.mu.Lock()
		defer a.mu.Unlock()

		requestID, _ := a.tracker.StartRequest(a.inst.Name, text)

		response, err := a.captureDelta(ctx, text)
		if err != nil {
			a.tracker.CompleteRequest(a.inst.Name, requestID, response, err.Error())
			// The raw snapshot still goes to the caller on timeout.
			if response != "" {
				if !yield(response, nil) {
					return
				}
			}
			yield("", err)
			return
		}

		a.tracker.MarkResponseStart(a.inst.Name, requestID)
		a.tracker.CompleteRequest(a.inst.Name, requestID, response, "")
		yield(response, nil)
	}
}

// SendCommandAndWait aggregates SendCommand.
func (a *TmuxAdapter) SendCommandAndWait(ctx context.Context, text string) (bool, string) {
	return aggregate(a.SendCommand(ctx, text))
}

// captureDelta implements the delta-extraction protocol. Caller holds a.mu.
func (a *TmuxAdapter) captureDelta(ctx context.Context, command string) (string, error) {
	before, err := a.tmux.CapturePane(ctx, a.inst.TmuxSession)
	if err != nil {
		return "", fmt.Errorf("%w: pre-snapshot: %w", domain.ErrTransport, err)
	}
	beforeHash := paneHash(before)

	if err := a.tmux.SendText(ctx, a.inst.TmuxSession, command); err != nil {
		return "", fmt.Errorf("%w: inject command: %w", domain.ErrTransport, err)
	}

	start := time.Now()
	stable := 0
	lastPane := before

	for {
		select {
		case <-ctx.Done():
			// Timeout: hand back the raw pane so the operator sees something.
			return extractResponse(before, lastPane, command, a.delta.PromptChars),
				fmt.Errorf("%w: no stable response from %s", domain.ErrTimeout, a.inst.Name)
		case <-time.After(a.delta.PollInterval):
		}

		pane, err := a.tmux.CapturePane(ctx, a.inst.TmuxSession)
		if err != nil {
			return "", fmt.Errorf("%w: poll pane: %w", domain.ErrTransport, err)
		}
		lastPane = pane

		changed := paneHash(pane) != beforeHash
		if time.Since(start) < a.delta.MinWait || !changed {
			stable = 0
			continue
		}

		if hasPromptTail(pane, a.delta.PromptChars) {
			stable++
		} else {
			stable = 0
		}

		if stable >= a.delta.StableChecks {
			return extractResponse(before, pane, command, a.delta.PromptChars), nil
		}
	}
}

// Interrupt delivers Ctrl-C to the session.
func (a *TmuxAdapter) Interrupt(ctx context.Context) error {
	if err := a.tmux.SendInterrupt(ctx, a.inst.TmuxSession); err != nil {
		return fmt.Errorf("%w: interrupt %s: %w", domain.ErrTransport, a.inst.Name, err)
	}
	return nil
}

// ClearConversation sends the agent's /clear command line.
func (a *TmuxAdapter) ClearConversation(ctx context.Context) error {
	if err := a.tmux.SendText(ctx, a.inst.TmuxSession, clearCommand); err != nil {
		return fmt.Errorf("%w: clear conversation on %s: %w", domain.ErrTransport, a.inst.Name, err)
	}
	return nil
}

// Info returns a snapshot of the adapter state.
func (a *TmuxAdapter) Info(ctx context.Context) Info {
	return Info{
		Name:        a.inst.Name,
		Type:        domain.InstanceTypeTmux,
		Running:     a.IsRunning(ctx),
		TmuxSession: a.inst.TmuxSession,
		Cwd:         a.inst.Cwd,
	}
}

// Cleanup has nothing to release for tmux; the session outlives the bridge.
func (a *TmuxAdapter) Cleanup() error { return nil }

var _ Adapter = (*TmuxAdapter)(nil)
