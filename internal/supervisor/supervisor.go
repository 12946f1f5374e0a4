// Package supervisor is the in-container side of the bridge: it owns the
// agent subprocess and shuttles bytes between the FIFO pair and the agent's
// stdio. It runs as PID-adjacent daemon inside the container (cc-agent).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/ccbridge/internal/pipes"
)

// Mode selects how commands reach the agent.
type Mode string

const (
	// ModeDaemon keeps one persistent agent subprocess across commands.
	ModeDaemon Mode = "daemon"
	// ModeLegacy spawns a one-shot subprocess per command line over stdio.
	ModeLegacy Mode = "legacy"
)

const (
	interruptByte = 0x03
	endOfTurnByte = 0x04

	defaultHealthInterval = 5 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultMaxRestarts    = 5
	defaultSteadyReset    = 60 * time.Second
	defaultStopGrace      = 5 * time.Second
	defaultTurnIdle       = 2 * time.Second
)

// Config parametrizes a supervisor.
type Config struct {
	InstanceName string
	PipeDir      string
	AgentBinary  string
	AgentArgs    []string
	Mode         Mode

	HealthInterval time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxRestarts    int
	SteadyReset    time.Duration
	StopGrace      time.Duration
	// TurnIdle is how long agent stdout must stay silent before the
	// end-of-turn sentinel is emitted on the output pipe.
	TurnIdle time.Duration
}

func (c *Config) applyDefaults() {
	if c.AgentBinary == "" {
		c.AgentBinary = "claude"
	}
	if c.Mode == "" {
		c.Mode = ModeDaemon
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.SteadyReset <= 0 {
		c.SteadyReset = defaultSteadyReset
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.TurnIdle <= 0 {
		c.TurnIdle = defaultTurnIdle
	}
}

// Supervisor runs the agent subprocess and the pipe forwarders.
type Supervisor struct {
	cfg Config

	mu    sync.Mutex
	child *exec.Cmd
}

// New creates a supervisor. Zero-valued config fields get defaults.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{cfg: cfg}
}

// Run blocks until ctx is cancelled or the restart budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Mode == ModeLegacy {
		return s.runLegacy(ctx, os.Stdin, os.Stdout)
	}
	return s.runDaemon(ctx)
}

// runDaemon keeps one agent subprocess alive, restarting on exit with
// exponential backoff. Five rapid deaths in a row end the supervisor; a
// child that stayed up past the steady-reset window clears the counter.
func (s *Supervisor) runDaemon(ctx context.Context) error {
	ch := pipes.NewChannel(s.cfg.PipeDir, s.cfg.InstanceName)
	if !ch.Exists() {
		if err := ch.Create(); err != nil {
			return fmt.Errorf("create pipe pair: %w", err)
		}
	}

	restarts := 0
	for {
		started := time.Now()
		err := s.runChildOnce(ctx, ch)
		if ctx.Err() != nil {
			slog.Info("Supervisor shutting down", "instance", s.cfg.InstanceName)
			return nil
		}

		if time.Since(started) >= s.cfg.SteadyReset {
			restarts = 0
		}
		restarts++
		if restarts > s.cfg.MaxRestarts {
			return fmt.Errorf("agent crashed %d times in a row, giving up: %w", restarts-1, err)
		}

		delay := s.cfg.BackoffBase << (restarts - 1)
		if delay > s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
		}
		slog.Warn("Agent exited, restarting",
			"instance", s.cfg.InstanceName, "restart", restarts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runChildOnce starts the agent and runs the four worker goroutines until
// the child dies or ctx is cancelled.
func (s *Supervisor) runChildOnce(ctx context.Context, ch *pipes.Channel) error {
	cmd := exec.Command(s.cfg.AgentBinary, s.cfg.AgentArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("agent stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", s.cfg.AgentBinary, err)
	}
	slog.Info("Agent started", "instance", s.cfg.InstanceName, "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.child = cmd
	s.mu.Unlock()

	childCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.forwardCommands(childCtx, ch, stdin)
	}()
	go func() {
		defer wg.Done()
		s.forwardOutput(childCtx, ch, stdout)
	}()
	go func() {
		defer wg.Done()
		relayStderr(s.cfg.InstanceName, stderr)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.healthLoop(childCtx, ch)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		s.terminate(cmd, waitErr)
	}

	stopWorkers()
	wg.Wait()

	s.mu.Lock()
	s.child = nil
	s.mu.Unlock()
	return runErr
}

// terminate asks the child nicely, then kills it after the grace period.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitErr:
	case <-time.After(s.cfg.StopGrace):
		slog.Warn("Agent ignored SIGTERM, killing", "instance", s.cfg.InstanceName)
		_ = cmd.Process.Kill()
		<-waitErr
	}
}

// forwardCommands reads the input FIFO and feeds the agent's stdin. The
// interrupt byte becomes SIGINT on the child instead of input. Each host
// write closes the FIFO, so the reader reopens after every EOF.
func (s *Supervisor) forwardCommands(ctx context.Context, ch *pipes.Channel, stdin io.WriteCloser) {
	defer stdin.Close()

	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		f, err := openInterruptible(ctx, ch.InPath(), os.O_RDONLY)
		if err != nil {
			return
		}

		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				if !s.relayInput(buf[:n], stdin) {
					f.Close()
					return
				}
			}
			if rerr != nil {
				break
			}
		}
		f.Close()
	}
}

// relayInput forwards payload to the child's stdin, translating interrupt
// bytes into SIGINT. Returns false when stdin is gone.
func (s *Supervisor) relayInput(payload []byte, stdin io.Writer) bool {
	start := 0
	for i, b := range payload {
		if b != interruptByte {
			continue
		}
		if start < i {
			if _, err := stdin.Write(payload[start:i]); err != nil {
				return false
			}
		}
		s.Interrupt()
		start = i + 1
	}
	if start < len(payload) {
		if _, err := stdin.Write(payload[start:]); err != nil {
			return false
		}
	}
	return true
}

// Interrupt sends SIGINT to the current agent subprocess, if any.
func (s *Supervisor) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil && s.child.Process != nil {
		_ = s.child.Process.Signal(os.Interrupt)
		slog.Debug("Interrupt forwarded to agent", "instance", s.cfg.InstanceName)
	}
}

// outWriter writes agent output to the output FIFO, reopening after the
// host drops its read side (EPIPE).
type outWriter struct {
	ctx  context.Context
	ch   *pipes.Channel
	name string
	f    *os.File
}

func (w *outWriter) write(chunk []byte) bool {
	for {
		if w.f == nil {
			f, err := openInterruptible(w.ctx, w.ch.OutPath(), os.O_WRONLY)
			if err != nil {
				return false
			}
			w.f = f
		}
		if _, err := w.f.Write(chunk); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				w.f.Close()
				w.f = nil
				continue
			}
			slog.Error("Write output pipe failed", "instance", w.name, "error", err)
			return false
		}
		return true
	}
}

func (w *outWriter) close() {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
}

// forwardOutput copies agent stdout to the output FIFO. When the agent goes
// quiet for TurnIdle after producing output, the end-of-turn sentinel closes
// the turn so the host does not have to wait out its own idle deadline.
func (s *Supervisor) forwardOutput(ctx context.Context, ch *pipes.Channel, stdout io.Reader) {
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	w := &outWriter{ctx: ctx, ch: ch, name: s.cfg.InstanceName}
	defer w.close()

	idle := time.NewTimer(s.cfg.TurnIdle)
	idle.Stop()
	turnOpen := false

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if turnOpen {
					w.write([]byte{endOfTurnByte})
				}
				return
			}
			if !w.write(chunk) {
				return
			}
			turnOpen = true
			idle.Reset(s.cfg.TurnIdle)
		case <-idle.C:
			if turnOpen {
				if !w.write([]byte{endOfTurnByte}) {
					return
				}
				turnOpen = false
			}
		case <-ctx.Done():
			return
		}
	}
}

// relayStderr mirrors agent stderr into the supervisor log.
func relayStderr(instance string, stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			slog.Warn("Agent stderr", "instance", instance, "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// healthLoop recreates the FIFO pair if someone unlinked it and logs the
// child's liveness.
func (s *Supervisor) healthLoop(ctx context.Context, ch *pipes.Channel) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !ch.Exists() {
			slog.Warn("Pipe pair missing, recreating", "instance", s.cfg.InstanceName)
			if err := ch.Create(); err != nil {
				slog.Error("Recreate pipes failed", "instance", s.cfg.InstanceName, "error", err)
			}
		}

		s.mu.Lock()
		alive := s.child != nil && s.child.Process != nil &&
			s.child.Process.Signal(syscall.Signal(0)) == nil
		s.mu.Unlock()
		if !alive {
			slog.Debug("Agent process not responding to probe", "instance", s.cfg.InstanceName)
		}
	}
}

// openInterruptible opens a FIFO, abandoning the blocking open when ctx is
// cancelled. FIFO opens block until the peer side shows up, so the open runs
// in its own goroutine with a watchdog unlink-free cancel.
func openInterruptible(ctx context.Context, path string, flag int) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		return r.f, r.err
	case <-ctx.Done():
		// Self-connect unblocks the stranded open, then the late result is
		// discarded and closed.
		go func() {
			unblock, err := os.OpenFile(path, unblockFlag(flag), 0)
			if err == nil {
				unblock.Close()
			}
			if r := <-done; r.f != nil {
				r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func unblockFlag(flag int) int {
	if flag&os.O_WRONLY != 0 {
		return os.O_RDONLY | syscall.O_NONBLOCK
	}
	return os.O_WRONLY | syscall.O_NONBLOCK
}
