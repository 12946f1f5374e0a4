// Package pipes implements the named-pipe channel between the bridge and an
// in-container agent supervisor. Each instance gets a directional FIFO pair:
// <dir>/<name>.in.fifo (host writes) and <dir>/<name>.out.fifo (host reads).
package pipes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/ccbridge/internal/domain"
)

const (
	fifoPerm = 0o660

	// Commands above this size are rejected: POSIX guarantees atomicity for
	// pipe writes up to PIPE_BUF, and the wire framing is one line per command.
	maxCommandSize = 4096

	// interruptByte on the input pipe means Ctrl-C, not a command.
	interruptByte = 0x03

	// endOfTurn is an optional sentinel a writer may emit to close a response
	// early. Readers tolerate its absence.
	endOfTurn = 0x04

	writeRetryDelay = 100 * time.Millisecond
	readPollDelay   = 50 * time.Millisecond
	readBufferSize  = 4096
)

// Channel is the FIFO pair for one instance. Create/Close manage the files;
// WriteCommand and ReadResponse open a fresh descriptor per call, so no fd is
// held between operations. A Channel is not safe for concurrent use; the
// adapter serializes access per instance.
type Channel struct {
	dir     string
	name    string
	inPath  string
	outPath string
}

// NewChannel returns a channel for the named instance under dir. No files
// are touched until Create is called.
func NewChannel(dir, name string) *Channel {
	return &Channel{
		dir:     dir,
		name:    name,
		inPath:  filepath.Join(dir, name+".in.fifo"),
		outPath: filepath.Join(dir, name+".out.fifo"),
	}
}

// InPath returns the host-write FIFO path.
func (c *Channel) InPath() string { return c.inPath }

// OutPath returns the host-read FIFO path.
func (c *Channel) OutPath() string { return c.outPath }

// Exists reports whether both FIFO files are present and are FIFOs.
func (c *Channel) Exists() bool {
	return isFIFO(c.inPath) && isFIFO(c.outPath)
}

func isFIFO(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeNamedPipe != 0
}

// Create makes both FIFOs. It is destructive-idempotent: any existing files
// at the target paths are removed first.
func (c *Channel) Create() error {
	if err := os.MkdirAll(c.dir, 0o770); err != nil {
		return fmt.Errorf("create pipe directory: %w", err)
	}

	for _, path := range []string{c.inPath, c.outPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale pipe %s: %w", path, err)
		}
		if err := syscall.Mkfifo(path, fifoPerm); err != nil {
			return fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}

	slog.Debug("Pipe pair created", "instance", c.name, "dir", c.dir)
	return nil
}

// Close unlinks both FIFOs and removes the directory if it is empty.
// Safe to call repeatedly.
func (c *Channel) Close() error {
	var firstErr error
	for _, path := range []string{c.inPath, c.outPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove pipe %s: %w", path, err)
			}
		}
	}
	// Best effort: only succeeds once the last pair in the directory is gone.
	_ = os.Remove(c.dir)
	return firstErr
}

// WriteCommand writes one newline-terminated command to the input FIFO.
// The open is non-blocking; while no reader has the pipe open it retries
// until ctx expires, then fails with a timeout.
func (c *Channel) WriteCommand(ctx context.Context, text string) error {
	if len(text)+1 > maxCommandSize {
		return fmt.Errorf("%w: command of %d bytes exceeds pipe-atomic limit %d",
			domain.ErrValidation, len(text)+1, maxCommandSize)
	}
	return c.writeBytes(ctx, []byte(text+"\n"))
}

// Interrupt writes the single interrupt byte to the input FIFO.
func (c *Channel) Interrupt(ctx context.Context) error {
	return c.writeBytes(ctx, []byte{interruptByte})
}

func (c *Channel) writeBytes(ctx context.Context, payload []byte) error {
	for {
		f, err := os.OpenFile(c.inPath, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("%w: write input pipe: %w", domain.ErrTransport, werr)
			}
			if cerr != nil {
				return fmt.Errorf("%w: close input pipe: %w", domain.ErrTransport, cerr)
			}
			return nil
		}

		// ENXIO means no reader has opened the pipe yet; wait and retry.
		if !errors.Is(err, syscall.ENXIO) {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: input pipe %s missing", domain.ErrTransport, c.inPath)
			}
			return fmt.Errorf("%w: open input pipe: %w", domain.ErrTransport, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: no reader on %s", domain.ErrTimeout, c.inPath)
		case <-time.After(writeRetryDelay):
		}
	}
}

// ReadResponse streams UTF-8 chunks from the output FIFO. The sequence is
// finite and not restartable. It ends on writer EOF (after at least one byte
// was seen), on the end-of-turn sentinel, or with a timeout error when no new
// bytes arrive within idle. Invalid UTF-8 is replaced, not propagated.
func (c *Channel) ReadResponse(ctx context.Context, idle time.Duration) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f, err := os.OpenFile(c.outPath, os.O_RDONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			yield("", fmt.Errorf("%w: open output pipe: %w", domain.ErrTransport, err))
			return
		}
		defer f.Close()

		buf := make([]byte, readBufferSize)
		sawData := false
		deadline := time.Now().Add(idle)

		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				done := false
				if i := bytes.IndexByte(chunk, endOfTurn); i >= 0 {
					chunk = chunk[:i]
					done = true
				}
				if len(chunk) > 0 {
					sawData = true
					deadline = time.Now().Add(idle)
					if !yield(strings.ToValidUTF8(string(chunk), "�"), nil) {
						return
					}
				}
				if done {
					return
				}
				continue
			}

			// A non-blocking FIFO read reports EOF both before any writer has
			// attached and after the writer closed. Only the latter ends the
			// stream; before first data we keep polling until the deadline.
			if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, syscall.EAGAIN) {
				yield("", fmt.Errorf("%w: read output pipe: %w", domain.ErrTransport, rerr))
				return
			}
			if errors.Is(rerr, io.EOF) && sawData {
				return
			}

			if time.Now().After(deadline) {
				yield("", fmt.Errorf("%w: no output on %s within %s", domain.ErrTimeout, c.outPath, idle))
				return
			}

			select {
			case <-ctx.Done():
				yield("", fmt.Errorf("%w: read cancelled: %w", domain.ErrTimeout, ctx.Err()))
				return
			case <-time.After(readPollDelay):
			}
		}
	}
}

// SendAndReceive writes one command and streams the response. Callers must
// not invoke it concurrently on the same channel.
func (c *Channel) SendAndReceive(ctx context.Context, command string, idle time.Duration) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := c.WriteCommand(ctx, command); err != nil {
			yield("", err)
			return
		}
		for chunk, err := range c.ReadResponse(ctx, idle) {
			if !yield(chunk, err) {
				return
			}
		}
	}
}
