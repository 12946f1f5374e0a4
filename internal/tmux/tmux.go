// Package tmux wraps the tmux CLI primitives the bridge needs: session
// probes, keystroke injection, and pane capture.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs tmux commands. The real implementation shells out; tests
// substitute a fake.
type Executor interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CLIExecutor invokes the tmux binary.
type CLIExecutor struct {
	// Binary overrides the tmux executable path; empty means "tmux" on PATH.
	Binary string
}

// Run executes tmux with the given arguments and returns combined stdout.
func (e *CLIExecutor) Run(ctx context.Context, args ...string) (string, error) {
	bin := e.Binary
	if bin == "" {
		bin = "tmux"
	}
	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("tmux %s: %s: %w", args[0], strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// Client exposes the tmux operations used by the terminal adapter.
type Client struct {
	exec Executor
}

// NewClient creates a tmux client over the given executor. A nil executor
// uses the tmux CLI.
func NewClient(executor Executor) *Client {
	if executor == nil {
		executor = &CLIExecutor{}
	}
	return &Client{exec: executor}
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, session string) bool {
	_, err := c.exec.Run(ctx, "has-session", "-t", session)
	return err == nil
}

// NewSession starts a detached session running command in dir.
func (c *Client) NewSession(ctx context.Context, session, dir, command string) error {
	args := []string{"new-session", "-d", "-s", session}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := c.exec.Run(ctx, args...); err != nil {
		return fmt.Errorf("create session %s: %w", session, err)
	}
	return nil
}

// KillSession terminates the named session.
func (c *Client) KillSession(ctx context.Context, session string) error {
	if _, err := c.exec.Run(ctx, "kill-session", "-t", session); err != nil {
		return fmt.Errorf("kill session %s: %w", session, err)
	}
	return nil
}

// SendText injects literal text into the session followed by Enter.
func (c *Client) SendText(ctx context.Context, session, text string) error {
	// Literal flag keeps tmux from interpreting the text as key names.
	if _, err := c.exec.Run(ctx, "send-keys", "-t", session, "-l", text); err != nil {
		return fmt.Errorf("send text to %s: %w", session, err)
	}
	if _, err := c.exec.Run(ctx, "send-keys", "-t", session, "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", session, err)
	}
	return nil
}

// SendInterrupt delivers Ctrl-C to the session.
func (c *Client) SendInterrupt(ctx context.Context, session string) error {
	if _, err := c.exec.Run(ctx, "send-keys", "-t", session, "C-c"); err != nil {
		return fmt.Errorf("send interrupt to %s: %w", session, err)
	}
	return nil
}

// CapturePane returns the visible pane contents of the session, joined
// across wrapped lines.
func (c *Client) CapturePane(ctx context.Context, session string) (string, error) {
	out, err := c.exec.Run(ctx, "capture-pane", "-t", session, "-p", "-J")
	if err != nil {
		return "", fmt.Errorf("capture pane of %s: %w", session, err)
	}
	return out, nil
}
