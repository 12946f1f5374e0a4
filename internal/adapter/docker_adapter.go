package adapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/ashureev/ccbridge/internal/dockerx"
	"github.com/ashureev/ccbridge/internal/domain"
	"github.com/ashureev/ccbridge/internal/pipes"
	"github.com/ashureev/ccbridge/internal/session"
)

const (
	execChunkSize   = 1024
	execInterrupt   = 0x03
	execReadTimeout = 30 * time.Second
)

// DockerAdapter drives an agent inside a container. FIFO mode talks to the
// in-container supervisor through the named-pipe pair; legacy exec mode
// attaches directly to the agent's stdio via docker exec.
type DockerAdapter struct {
	inst     domain.Instance
	docker   dockerx.APIClient
	tracker  *session.Tracker
	pipeDir  string
	pipeRead time.Duration

	// mu serializes commands; stateMu guards the lazily built transport
	// handles so Interrupt can reach them mid-command.
	mu      sync.Mutex
	stateMu sync.Mutex
	channel *pipes.Channel

	// Legacy-mode persistent exec stream, attached on first use.
	execConn *types.HijackedResponse
}

// NewDockerAdapter creates the container-variant adapter.
func NewDockerAdapter(inst domain.Instance, docker dockerx.APIClient, tracker *session.Tracker, pipeDir string, pipeRead time.Duration) *DockerAdapter {
	if pipeRead <= 0 {
		pipeRead = execReadTimeout
	}
	return &DockerAdapter{
		inst:     inst,
		docker:   docker,
		tracker:  tracker,
		pipeDir:  pipeDir,
		pipeRead: pipeRead,
	}
}

// Name returns the instance name.
func (a *DockerAdapter) Name() string { return a.inst.Name }

// IsRunning inspects the container state.
func (a *DockerAdapter) IsRunning(ctx context.Context) bool {
	info, err := a.docker.ContainerInspect(ctx, a.containerRef())
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// Start brings the container up. Idempotent on a running container.
func (a *DockerAdapter) Start(ctx context.Context) error {
	if a.IsRunning(ctx) {
		return nil
	}
	err := dockerx.WithRetry(ctx, 2, time.Second, func() error {
		return a.docker.ContainerStart(ctx, a.containerRef(), container.StartOptions{})
	})
	if err != nil {
		return fmt.Errorf("%w: start container %s: %w", domain.ErrTransport, a.inst.Name, err)
	}
	slog.Info("Container instance started", "instance", a.inst.Name, "container", a.containerRef())
	return nil
}

// SendCommand dispatches one command and yields the response chunk stream.
// At most one command is in flight per adapter.
func (a *DockerAdapter) SendCommand(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		a.mu.Lock()
		defer a.mu.Unlock()

		requestID, _ := a.tracker.StartRequest(a.inst.Name, text)

		var seq iter.Seq2[string, error]
		if a.inst.CommunicationMode == domain.CommExec {
			seq = a.sendExec(ctx, text)
		} else {
			seq = a.sendFIFO(ctx, text)
		}

		started := false
		var out strings.Builder
		for chunk, err := range seq {
			if err != nil {
				a.tracker.CompleteRequest(a.inst.Name, requestID, out.String(), err.Error())
				yield("", err)
				return
			}
			if !started {
				started = true
				a.tracker.MarkResponseStart(a.inst.Name, requestID)
			}
			out.WriteString(chunk)
			if !yield(chunk, nil) {
				a.tracker.CompleteRequest(a.inst.Name, requestID, out.String(), "consumer stopped")
				return
			}
		}
		a.tracker.CompleteRequest(a.inst.Name, requestID, out.String(), "")
	}
}

// SendCommandAndWait aggregates SendCommand.
func (a *DockerAdapter) SendCommandAndWait(ctx context.Context, text string) (bool, string) {
	return aggregate(a.SendCommand(ctx, text))
}

// sendFIFO speaks the pipe protocol. Caller holds a.mu.
func (a *DockerAdapter) sendFIFO(ctx context.Context, text string) iter.Seq2[string, error] {
	ch, err := a.ensureChannel()
	if err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return ch.SendAndReceive(ctx, text, a.pipeRead)
}

// sendExec writes the command to the persistent exec stream and reads chunks
// until the stream goes idle. Idle after at least one byte means the turn
// finished; idle with nothing read means the agent never answered.
func (a *DockerAdapter) sendExec(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := a.ensureExec(ctx)
		if err != nil {
			yield("", err)
			return
		}

		if _, err := stream.Conn.Write([]byte(text + "\n")); err != nil {
			a.dropExec()
			yield("", fmt.Errorf("%w: write to exec stream: %w", domain.ErrTransport, err))
			return
		}

		buf := make([]byte, execChunkSize)
		sawData := false
		for {
			if err := stream.Conn.SetReadDeadline(time.Now().Add(a.pipeRead)); err != nil {
				a.dropExec()
				yield("", fmt.Errorf("%w: set read deadline: %w", domain.ErrTransport, err))
				return
			}
			n, rerr := stream.Reader.Read(buf)
			if n > 0 {
				sawData = true
				if !yield(strings.ToValidUTF8(string(buf[:n]), "�"), nil) {
					return
				}
			}
			if rerr == nil {
				continue
			}

			if isDeadlineErr(rerr) {
				if sawData {
					return
				}
				yield("", fmt.Errorf("%w: no output from %s within %s", domain.ErrTimeout, a.inst.Name, a.pipeRead))
				return
			}
			// Any other error kills the attached stream; next command reattaches.
			a.dropExec()
			yield("", fmt.Errorf("%w: exec stream from %s: %w", domain.ErrTransport, a.inst.Name, rerr))
			return
		}
	}
}

func isDeadlineErr(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Interrupt cancels the in-flight turn: interrupt byte on the pipe in FIFO
// mode, raw Ctrl-C on the exec stream in legacy mode.
func (a *DockerAdapter) Interrupt(ctx context.Context) error {
	if a.inst.CommunicationMode == domain.CommExec {
		a.stateMu.Lock()
		stream := a.execConn
		a.stateMu.Unlock()
		if stream == nil {
			return nil
		}
		if _, err := stream.Conn.Write([]byte{execInterrupt}); err != nil {
			return fmt.Errorf("%w: interrupt %s: %w", domain.ErrTransport, a.inst.Name, err)
		}
		return nil
	}

	ch, err := a.ensureChannel()
	if err != nil {
		return err
	}
	if err := ch.Interrupt(ctx); err != nil {
		return fmt.Errorf("interrupt %s: %w", a.inst.Name, err)
	}
	return nil
}

// ClearConversation sends the agent's /clear command through the normal path.
func (a *DockerAdapter) ClearConversation(ctx context.Context) error {
	ok, response := a.SendCommandAndWait(ctx, clearCommand)
	if !ok {
		return fmt.Errorf("%w: clear conversation on %s: %s", domain.ErrTransport, a.inst.Name, response)
	}
	return nil
}

// Info returns a snapshot of the adapter state.
func (a *DockerAdapter) Info(ctx context.Context) Info {
	return Info{
		Name:        a.inst.Name,
		Type:        domain.InstanceTypeDocker,
		Running:     a.IsRunning(ctx),
		CommMode:    a.inst.CommunicationMode,
		ContainerID: a.inst.ContainerID,
		Cwd:         a.inst.Cwd,
	}
}

// Cleanup tears down the pipe pair and the attached exec stream.
func (a *DockerAdapter) Cleanup() error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	var firstErr error
	if a.channel != nil {
		firstErr = a.channel.Close()
		a.channel = nil
	}
	if a.execConn != nil {
		a.execConn.Close()
		a.execConn = nil
	}
	return firstErr
}

// containerRef prefers the ID and falls back to the container name.
func (a *DockerAdapter) containerRef() string {
	if a.inst.ContainerID != "" {
		return a.inst.ContainerID
	}
	return a.inst.ContainerName
}

// ensureChannel lazily creates the pipe pair on first use.
func (a *DockerAdapter) ensureChannel() (*pipes.Channel, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.channel != nil {
		return a.channel, nil
	}
	ch := pipes.NewChannel(a.pipeDir, a.inst.Name)
	if !ch.Exists() {
		if err := ch.Create(); err != nil {
			return nil, fmt.Errorf("%w: create pipes for %s: %w", domain.ErrTransport, a.inst.Name, err)
		}
	}
	a.channel = ch
	return ch, nil
}

// ensureExec attaches a persistent exec running the agent binary. The stream
// survives across commands until an error drops it.
func (a *DockerAdapter) ensureExec(ctx context.Context) (*types.HijackedResponse, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.execConn != nil {
		return a.execConn, nil
	}

	resp, err := a.docker.ContainerExecCreate(ctx, a.containerRef(), container.ExecOptions{
		Cmd:          []string{"cc-agent", "--mode", "legacy"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		WorkingDir:   a.inst.Cwd,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create exec in %s: %w", domain.ErrTransport, a.inst.Name, err)
	}

	attach, err := a.docker.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("%w: attach exec in %s: %w", domain.ErrTransport, a.inst.Name, err)
	}

	a.execConn = &attach
	slog.Debug("Exec stream attached", "instance", a.inst.Name, "exec_id", resp.ID)
	return a.execConn, nil
}

func (a *DockerAdapter) dropExec() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.execConn != nil {
		a.execConn.Close()
		a.execConn = nil
	}
}

var _ Adapter = (*DockerAdapter)(nil)
