// Package domain contains core domain types for the ccbridge application.
package domain

import (
	"fmt"
	"regexp"
	"time"
)

// InstanceType identifies the transport an instance uses.
type InstanceType string

const (
	// InstanceTypeTmux is an agent running inside a tmux session on the host.
	InstanceTypeTmux InstanceType = "tmux"
	// InstanceTypeDocker is an agent running inside a Docker container.
	InstanceTypeDocker InstanceType = "docker"
)

// CommunicationMode selects the container transport protocol.
type CommunicationMode string

const (
	// CommFIFO is the daemon protocol over a named-pipe pair.
	CommFIFO CommunicationMode = "fifo"
	// CommExec is the legacy streamed-stdio protocol over docker exec.
	CommExec CommunicationMode = "exec"
)

// InstanceStatus is the lifecycle state recorded for an instance.
type InstanceStatus string

const (
	StatusCreated InstanceStatus = "created"
	StatusRunning InstanceStatus = "running"
	StatusStopped InstanceStatus = "stopped"
	StatusCrashed InstanceStatus = "crashed"
)

// Instance is one registered agent instance. Tmux fields are set iff the
// type is tmux; container fields iff the type is docker.
type Instance struct {
	Name         string         `json:"name"`
	InstanceType InstanceType   `json:"instance_type"`
	Status       InstanceStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`

	// Tmux variant.
	PID         int    `json:"pid,omitempty"`
	TmuxSession string `json:"tmux_session,omitempty"`
	Cwd         string `json:"cwd,omitempty"`

	// Docker variant.
	CommunicationMode CommunicationMode `json:"communication_mode,omitempty"`
	ContainerID       string            `json:"container_id,omitempty"`
	ContainerName     string            `json:"container_name,omitempty"`
	ImageName         string            `json:"image_name,omitempty"`
	DockerNetwork     string            `json:"docker_network,omitempty"`
}

// IsDocker returns true for container-backed instances.
func (i *Instance) IsDocker() bool {
	return i.InstanceType == InstanceTypeDocker
}

// IsTmux returns true for tmux-backed instances.
func (i *Instance) IsTmux() bool {
	return i.InstanceType == InstanceTypeTmux
}

// Touch updates the last-activity timestamp.
func (i *Instance) Touch(now time.Time) {
	i.LastActivity = &now
}

var instanceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// reservedNames cannot be used as instance names because they collide with
// chat command arguments.
var reservedNames = map[string]struct{}{
	"all":    {},
	"help":   {},
	"status": {},
	"none":   {},
}

// ValidateInstanceName checks the instance naming rules: letters, digits,
// underscore and dash, up to 64 characters, starting with a letter.
func ValidateInstanceName(name string) error {
	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid instance name %q", ErrValidation, name)
	}
	if _, ok := reservedNames[name]; ok {
		return fmt.Errorf("%w: instance name %q is reserved", ErrValidation, name)
	}
	return nil
}
