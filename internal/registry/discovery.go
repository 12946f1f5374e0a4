package registry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/ashureev/ccbridge/internal/dockerx"
	"github.com/ashureev/ccbridge/internal/domain"
)

// DiscoveryConfig selects which containers count as agent instances.
type DiscoveryConfig struct {
	// Label marks containers created by the bridge, e.g. "ccbridge.instance".
	Label string
	// ImagePatterns match image names of foreign agent containers.
	ImagePatterns []string
	// AgentBinary is the process name probed inside candidate containers.
	AgentBinary string
}

// Discoverer finds agent containers on the engine using three strategies in
// sequence: by label, by image pattern, by in-container process listing.
// Results are deduplicated by instance name.
type Discoverer struct {
	cli dockerx.APIClient
	cfg DiscoveryConfig
}

// NewDiscoverer creates a container discoverer.
func NewDiscoverer(cli dockerx.APIClient, cfg DiscoveryConfig) *Discoverer {
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = "claude"
	}
	return &Discoverer{cli: cli, cfg: cfg}
}

// Discover lists candidate instances. Engine errors in one strategy do not
// abort the others.
func (d *Discoverer) Discover(ctx context.Context) ([]domain.Instance, error) {
	seen := make(map[string]struct{})
	var found []domain.Instance

	add := func(summary container.Summary) {
		inst := instanceFromSummary(summary)
		if _, dup := seen[inst.Name]; dup {
			return
		}
		seen[inst.Name] = struct{}{}
		found = append(found, inst)
	}

	if d.cfg.Label != "" {
		byLabel, err := d.cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", d.cfg.Label)),
		})
		if err != nil {
			slog.Warn("Label discovery failed", "label", d.cfg.Label, "error", err)
		} else {
			for _, c := range byLabel {
				add(c)
			}
		}
	}

	all, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		if len(found) == 0 {
			return nil, err
		}
		slog.Warn("Full container listing failed, using label results only", "error", err)
		return found, nil
	}

	for _, c := range all {
		if matchesAny(c.Image, d.cfg.ImagePatterns) {
			add(c)
		}
	}

	for _, c := range all {
		if _, dup := seen[nameFromSummary(c)]; dup {
			continue
		}
		if c.State != "running" {
			continue
		}
		out, code, err := dockerx.ExecCapture(ctx, d.cli, c.ID, []string{"pgrep", "-x", d.cfg.AgentBinary})
		if err != nil {
			slog.Debug("Process probe failed", "container", c.ID, "error", err)
			continue
		}
		if code == 0 && strings.TrimSpace(out) != "" {
			add(c)
		}
	}

	return found, nil
}

func matchesAny(image string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(image, p) {
			return true
		}
	}
	return false
}

func nameFromSummary(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID[:12]
}

func instanceFromSummary(c container.Summary) domain.Instance {
	name := nameFromSummary(c)
	status := domain.StatusStopped
	if c.State == "running" {
		status = domain.StatusRunning
	}
	return domain.Instance{
		Name:              name,
		InstanceType:      domain.InstanceTypeDocker,
		Status:            status,
		CommunicationMode: domain.CommFIFO,
		ContainerID:       c.ID,
		ContainerName:     name,
		ImageName:         c.Image,
	}
}
