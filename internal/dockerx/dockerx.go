// Package dockerx holds the Docker engine plumbing shared by the registry,
// the health monitor, and the container adapter: the API subset they consume,
// one-shot exec capture, and the transient-error retry policy.
package dockerx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// APIClient is the slice of the Docker API the bridge uses.
type APIClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// NewClient creates a Docker client from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// ExecCapture runs cmd inside the container, waits for completion, and
// returns the combined output and exit code.
func ExecCapture(ctx context.Context, cli APIClient, containerID string, cmd []string) (string, int, error) {
	resp, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("create exec in %s: %w", containerID, err)
	}

	attach, err := cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", 0, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return string(out), inspect.ExitCode, nil
}

// IsRetryable classifies engine errors: daemon unavailable, timeouts, and
// network failures are worth retrying; not-found and permission errors fail
// immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsNotFound(err) || errdefs.IsPermissionDenied(err) || errdefs.IsInvalidArgument(err) {
		return false
	}
	if errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// The daemon socket error surfaces as a plain string in some paths.
	msg := err.Error()
	return strings.Contains(msg, "Cannot connect to the Docker daemon") ||
		strings.Contains(msg, "connection refused")
}

// WithRetry runs fn up to maxRetries+1 times with exponential backoff,
// retrying only errors IsRetryable accepts.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !IsRetryable(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<attempt)
		slog.Debug("Docker call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		case <-time.After(delay):
		}
	}
}
