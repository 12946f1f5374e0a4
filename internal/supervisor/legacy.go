package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// runLegacy serves the stdio protocol: each newline-terminated command spawns
// a one-shot agent subprocess with the command as its final argument, and the
// subprocess output streams straight back. The interrupt byte cancels the
// subprocess currently running instead of becoming input, so the command
// stream is read in its own goroutine; otherwise an interrupt sent during a
// one-shot run would sit unread until the run already finished.
func (s *Supervisor) runLegacy(ctx context.Context, in io.Reader, out io.Writer) error {
	slog.Info("Supervisor running in legacy mode", "instance", s.cfg.InstanceName)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		var pending bytes.Buffer
		buf := make([]byte, 4096)
		for {
			n, rerr := in.Read(buf)
			if n > 0 {
				for _, b := range buf[:n] {
					if b == interruptByte {
						s.Interrupt()
						continue
					}
					pending.WriteByte(b)
				}

				for {
					line, ok := takeLine(&pending)
					if !ok {
						break
					}
					if line == "" {
						continue
					}
					select {
					case lines <- line:
					case <-ctx.Done():
						return
					}
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					readErr <- rerr
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case rerr := <-readErr:
					return fmt.Errorf("read command stream: %w", rerr)
				default:
					return nil
				}
			}
			if err := s.runOneShot(ctx, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// takeLine pops one complete line from the buffer.
func takeLine(buf *bytes.Buffer) (string, bool) {
	data := buf.Bytes()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimRight(string(data[:i]), "\r")
	buf.Next(i + 1)
	return line, true
}

// runOneShot executes a single agent invocation for one command.
func (s *Supervisor) runOneShot(ctx context.Context, command string, out io.Writer) error {
	args := append(append([]string{}, s.cfg.AgentArgs...), command)
	cmd := exec.CommandContext(ctx, s.cfg.AgentBinary, args...)
	cmd.Stdout = out
	cmd.Stderr = out

	s.mu.Lock()
	s.child = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.child = nil
		s.mu.Unlock()
	}()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %s: %w", s.cfg.AgentBinary, err)
	}
	slog.Debug("One-shot agent started", "instance", s.cfg.InstanceName, "pid", cmd.Process.Pid)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent run: %w", err)
	}
	return nil
}
