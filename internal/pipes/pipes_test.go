package pipes

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/ccbridge/internal/domain"
)

func TestChannel_CreateAndClose(t *testing.T) {
	dir := t.TempDir()
	ch := NewChannel(dir, "alice")

	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !ch.Exists() {
		t.Fatal("Expected both FIFOs to exist after Create")
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(ch.InPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected input pipe removed, got %v", err)
	}
	if _, err := os.Stat(ch.OutPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected output pipe removed, got %v", err)
	}
}

func TestChannel_CreateIsDestructiveIdempotent(t *testing.T) {
	dir := t.TempDir()
	ch := NewChannel(dir, "alice")

	if err := ch.Create(); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ch.Create(); err != nil {
		t.Fatalf("Create after Close failed: %v", err)
	}
	// A plain file in the way is replaced, not an error.
	if err := os.Remove(ch.InPath()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(ch.InPath(), []byte("junk"), 0o660); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ch.Create(); err != nil {
		t.Fatalf("Create over regular file failed: %v", err)
	}
	if !ch.Exists() {
		t.Fatal("Expected FIFOs after recreate")
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestChannel_WriteCommandTimesOutWithoutReader(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := ch.WriteCommand(ctx, "ping")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestChannel_WriteCommandRejectsOversize(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ch.Close()

	err := ch.WriteCommand(context.Background(), strings.Repeat("x", 4096))
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected validation error for oversize command, got %v", err)
	}

	// One byte under the limit (payload + newline == 4096) is accepted once a
	// reader exists.
	done := make(chan string, 1)
	go func() {
		data, _ := os.ReadFile(ch.InPath())
		done <- string(data)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.WriteCommand(ctx, strings.Repeat("x", 4095)); err != nil {
		t.Fatalf("WriteCommand at limit failed: %v", err)
	}
	got := <-done
	if len(got) != 4096 || !strings.HasSuffix(got, "\n") {
		t.Errorf("Expected 4096 bytes ending in newline, got %d bytes", len(got))
	}
}

func TestChannel_SendAndReceive(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ch.Close()

	// Mock in-container agent: read one command, answer, close the pipe.
	go func() {
		cmd, err := os.ReadFile(ch.InPath())
		if err != nil {
			t.Errorf("agent read failed: %v", err)
			return
		}
		if string(cmd) != "ping\n" {
			t.Errorf("agent got %q, want %q", cmd, "ping\n")
		}
		out, err := os.OpenFile(ch.OutPath(), os.O_WRONLY, 0)
		if err != nil {
			t.Errorf("agent open out failed: %v", err)
			return
		}
		defer out.Close()
		out.WriteString("pong\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sb strings.Builder
	for chunk, err := range ch.SendAndReceive(ctx, "ping", 2*time.Second) {
		if err != nil {
			t.Fatalf("SendAndReceive error: %v", err)
		}
		sb.WriteString(chunk)
	}
	if sb.String() != "pong\n" {
		t.Errorf("Expected %q, got %q", "pong\n", sb.String())
	}
}

func TestChannel_ReadResponseIdleTimeout(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ch.Close()

	ctx := context.Background()
	var last error
	for _, err := range ch.ReadResponse(ctx, 300*time.Millisecond) {
		last = err
	}
	if !errors.Is(last, domain.ErrTimeout) {
		t.Errorf("Expected timeout error, got %v", last)
	}
}

func TestChannel_ReadResponseEndOfTurnSentinel(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ch.Close()

	go func() {
		out, err := os.OpenFile(ch.OutPath(), os.O_WRONLY, 0)
		if err != nil {
			t.Errorf("open out failed: %v", err)
			return
		}
		// Writer keeps the pipe open; the sentinel alone must end the read.
		out.Write([]byte("done\n\x04"))
		time.Sleep(2 * time.Second)
		out.Close()
	}()

	start := time.Now()
	var sb strings.Builder
	for chunk, err := range ch.ReadResponse(context.Background(), 5*time.Second) {
		if err != nil {
			t.Fatalf("ReadResponse error: %v", err)
		}
		sb.WriteString(chunk)
	}
	if sb.String() != "done\n" {
		t.Errorf("Expected %q, got %q", "done\n", sb.String())
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Expected sentinel to end the stream before writer close")
	}
}

func TestChannel_InterruptWritesSingleByte(t *testing.T) {
	ch := NewChannel(t.TempDir(), "alice")
	if err := ch.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ch.Close()

	got := make(chan []byte, 1)
	go func() {
		data, _ := os.ReadFile(ch.InPath())
		got <- data
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}

	data := <-got
	if len(data) != 1 || data[0] != 0x03 {
		t.Errorf("Expected single 0x03 byte, got %v", data)
	}
}
