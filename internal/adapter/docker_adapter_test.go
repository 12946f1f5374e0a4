package adapter

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/ashureev/ccbridge/internal/domain"
	"github.com/ashureev/ccbridge/internal/session"
)

// fakeEngine fakes the engine API subset the adapter touches. Exec attaches
// hand out one end of a net.Pipe so tests can play the agent side.
type fakeEngine struct {
	mu       sync.Mutex
	running  bool
	started  int
	agentEnd net.Conn
}

func (f *fakeEngine) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Running: f.running},
		},
	}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.started++
	return nil
}

func (f *fakeEngine) ContainerExecCreate(_ context.Context, _ string, _ container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeEngine) ContainerExecAttach(_ context.Context, _ string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	bridge, agent := net.Pipe()
	f.mu.Lock()
	f.agentEnd = agent
	f.mu.Unlock()
	return types.HijackedResponse{Conn: bridge, Reader: bufio.NewReader(bridge)}, nil
}

func (f *fakeEngine) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{}, nil
}

func (f *fakeEngine) agent() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentEnd
}

func fifoInstance(name string) domain.Instance {
	return domain.Instance{
		Name:              name,
		InstanceType:      domain.InstanceTypeDocker,
		CommunicationMode: domain.CommFIFO,
		ContainerID:       "c1",
	}
}

func TestDockerAdapter_FIFOSendAndReceive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pipes")
	engine := &fakeEngine{running: true}
	tracker := session.NewTracker()
	a := NewDockerAdapter(fifoInstance("box"), engine, tracker, dir, 2*time.Second)
	defer a.Cleanup()

	inPath := filepath.Join(dir, "box.in.fifo")
	outPath := filepath.Join(dir, "box.out.fifo")

	// Play the in-container supervisor: consume the command, answer on the
	// output pipe, close with the end-of-turn byte.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(inPath); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cmd, err := os.ReadFile(inPath)
		if err != nil {
			done <- err
			return
		}
		if strings.TrimSpace(string(cmd)) != "hello" {
			t.Errorf("supervisor read %q", cmd)
		}
		out, err := os.OpenFile(outPath, os.O_WRONLY, 0)
		if err != nil {
			done <- err
			return
		}
		defer out.Close()
		_, err = out.Write([]byte("pong\n\x04"))
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, response := a.SendCommandAndWait(ctx, "hello")
	if err := <-done; err != nil {
		t.Fatalf("supervisor side: %v", err)
	}
	if !ok {
		t.Fatalf("send failed: %q", response)
	}
	if response != "pong\n" {
		t.Errorf("response = %q", response)
	}

	snap, err := tracker.GetSession("box")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if snap.CompletedRequests != 1 {
		t.Errorf("completed = %d, want 1", snap.CompletedRequests)
	}
	if snap.Turns[0].ResponseStart == nil {
		t.Error("response start not marked")
	}
}

func TestDockerAdapter_FIFOTimeoutWithoutSupervisor(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pipes")
	tracker := session.NewTracker()
	a := NewDockerAdapter(fifoInstance("box"), &fakeEngine{running: true}, tracker, dir, 100*time.Millisecond)
	defer a.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	ok, _ := a.SendCommandAndWait(ctx, "hello")
	if ok {
		t.Fatal("expected failure with no reader on the pipe")
	}
	snap, err := tracker.GetSession("box")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if snap.FailedRequests != 1 {
		t.Errorf("failed = %d, want 1", snap.FailedRequests)
	}
}

func TestDockerAdapter_FIFORejectsOversizeCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pipes")
	a := NewDockerAdapter(fifoInstance("box"), &fakeEngine{running: true}, session.NewTracker(), dir, time.Second)
	defer a.Cleanup()

	ok, _ := a.SendCommandAndWait(context.Background(), strings.Repeat("x", 5000))
	if ok {
		t.Fatal("oversize command must be rejected")
	}
}

func TestDockerAdapter_ExecMode(t *testing.T) {
	engine := &fakeEngine{running: true}
	tracker := session.NewTracker()
	inst := fifoInstance("legacy")
	inst.CommunicationMode = domain.CommExec
	a := NewDockerAdapter(inst, engine, tracker, t.TempDir(), 150*time.Millisecond)
	defer a.Cleanup()

	go func() {
		// Wait for the attach, echo a reply to the command, keep the stream
		// open so the idle deadline ends the turn.
		for engine.agent() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		agent := engine.agent()
		buf := make([]byte, 256)
		n, err := agent.Read(buf)
		if err != nil {
			return
		}
		if strings.TrimSpace(string(buf[:n])) != "hello" {
			t.Errorf("agent read %q", buf[:n])
		}
		agent.Write([]byte("exec pong"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, response := a.SendCommandAndWait(ctx, "hello")
	if !ok {
		t.Fatalf("send failed: %q", response)
	}
	if response != "exec pong" {
		t.Errorf("response = %q", response)
	}
}

func TestDockerAdapter_ExecModeNoOutputFails(t *testing.T) {
	engine := &fakeEngine{running: true}
	inst := fifoInstance("legacy")
	inst.CommunicationMode = domain.CommExec
	a := NewDockerAdapter(inst, engine, session.NewTracker(), t.TempDir(), 80*time.Millisecond)
	defer a.Cleanup()

	go func() {
		for engine.agent() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		buf := make([]byte, 256)
		engine.agent().Read(buf) // swallow the command, never reply
	}()

	ok, _ := a.SendCommandAndWait(context.Background(), "hello")
	if ok {
		t.Fatal("expected idle-timeout failure when the agent stays silent")
	}
}

func TestDockerAdapter_StartIdempotent(t *testing.T) {
	engine := &fakeEngine{running: false}
	a := NewDockerAdapter(fifoInstance("box"), engine, session.NewTracker(), t.TempDir(), time.Second)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if engine.started != 1 {
		t.Errorf("ContainerStart called %d times, want 1", engine.started)
	}
}
