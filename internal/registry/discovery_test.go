package registry

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// fakeEngine fakes the Docker API subset used by discovery.
type fakeEngine struct {
	containers []container.Summary
	// procs maps container ID to pgrep output for the agent binary.
	procs map[string]string
}

func (f *fakeEngine) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	if options.Filters.Len() > 0 {
		var out []container.Summary
		for _, c := range f.containers {
			if _, ok := c.Labels["ccbridge.instance"]; ok {
				out = append(out, c)
			}
		}
		return out, nil
	}
	return f.containers, nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, containerID string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	return nil
}

func (f *fakeEngine) ContainerExecCreate(_ context.Context, containerID string, _ container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-" + containerID}, nil
}

func (f *fakeEngine) ContainerExecAttach(_ context.Context, execID string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	id := execID[len("exec-"):]
	client, server := net.Pipe()
	server.Close()
	return types.HijackedResponse{
		Conn:   client,
		Reader: bufio.NewReader(bytes.NewReader([]byte(f.procs[id]))),
	}, nil
}

func (f *fakeEngine) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	id := execID[len("exec-"):]
	code := 1
	if f.procs[id] != "" {
		code = 0
	}
	return container.ExecInspect{ExitCode: code}, nil
}

func summary(id, name, image, state string, labels map[string]string) container.Summary {
	return container.Summary{
		ID:     id,
		Names:  []string{"/" + name},
		Image:  image,
		State:  state,
		Labels: labels,
	}
}

func TestDiscoverer_ThreeStrategiesDeduplicated(t *testing.T) {
	engine := &fakeEngine{
		containers: []container.Summary{
			// Found by label and by image pattern; must appear once.
			summary("c1", "alice", "ccbridge-agent:latest", "running",
				map[string]string{"ccbridge.instance": "alice"}),
			// Found by image pattern only.
			summary("c2", "bob", "ccbridge-agent:v2", "exited", nil),
			// Found only by the in-container process probe.
			summary("c3", "carol", "ubuntu:24.04", "running", nil),
			// Not an agent container at all.
			summary("c4", "postgres", "postgres:16", "running", nil),
		},
		procs: map[string]string{"c3": "1234\n"},
	}

	d := NewDiscoverer(engine, DiscoveryConfig{
		Label:         "ccbridge.instance",
		ImagePatterns: []string{"ccbridge-agent"},
		AgentBinary:   "claude",
	})

	found, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("found %d instances, want 3: %+v", len(found), found)
	}

	byName := make(map[string]bool)
	for _, inst := range found {
		byName[inst.Name] = true
		if !inst.IsDocker() {
			t.Errorf("instance %s should be docker type", inst.Name)
		}
	}
	for _, want := range []string{"alice", "bob", "carol"} {
		if !byName[want] {
			t.Errorf("missing instance %s", want)
		}
	}
}

func TestDiscoverer_StoppedContainersSkipProcessProbe(t *testing.T) {
	engine := &fakeEngine{
		containers: []container.Summary{
			summary("c9", "dave", "ubuntu:24.04", "exited", nil),
		},
		procs: map[string]string{"c9": "1\n"},
	}
	d := NewDiscoverer(engine, DiscoveryConfig{AgentBinary: "claude"})

	found, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found %d instances, want 0", len(found))
	}
}
