// Package registry persists instance metadata in a JSON document and
// discovers agent containers on the Docker engine.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/ccbridge/internal/domain"
)

// document is the on-disk schema.
type document struct {
	Instances map[string]*domain.Instance `json:"instances"`
}

// Registry owns the instance store. Every mutation rewrites the file with an
// atomic replace; reads never mutate the store.
type Registry struct {
	path string

	mu        sync.Mutex
	instances map[string]*domain.Instance
	now       func() time.Time

	// probe reports whether a tmux instance's owning process is alive.
	// Replaceable in tests.
	probe func(pid int) bool
}

// New loads the registry from path, creating an empty store when the file
// does not exist yet.
func New(path string) (*Registry, error) {
	r := &Registry{
		path:      path,
		instances: make(map[string]*domain.Instance),
		now:       time.Now,
		probe:     processAlive,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instance store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse instance store %s: %w", path, err)
	}
	if doc.Instances != nil {
		r.instances = doc.Instances
	}

	slog.Info("Instance store loaded", "path", path, "instances", len(r.instances))
	return r, nil
}

// Create adds a new instance. The name must be valid and unused.
func (r *Registry) Create(inst domain.Instance) error {
	if err := domain.ValidateInstanceName(inst.Name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.Name]; exists {
		return fmt.Errorf("%w: instance %q already exists", domain.ErrConflict, inst.Name)
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = r.now()
	}
	if inst.Status == "" {
		inst.Status = domain.StatusCreated
	}

	r.instances[inst.Name] = &inst
	return r.saveLocked()
}

// Get returns a copy of the named instance.
func (r *Registry) Get(name string) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return domain.Instance{}, fmt.Errorf("%w: instance %q", domain.ErrNotFound, name)
	}
	return *inst, nil
}

// List returns copies of all instances, sorted by name.
func (r *Registry) List() []domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update applies mutate to the named instance and persists the result.
func (r *Registry) Update(name string, mutate func(*domain.Instance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return fmt.Errorf("%w: instance %q", domain.ErrNotFound, name)
	}
	mutate(inst)
	return r.saveLocked()
}

// Touch bumps the instance's last-activity timestamp.
func (r *Registry) Touch(name string) error {
	return r.Update(name, func(inst *domain.Instance) {
		inst.Touch(time.Now())
	})
}

// Delete removes the named instance.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[name]; !ok {
		return fmt.Errorf("%w: instance %q", domain.ErrNotFound, name)
	}
	delete(r.instances, name)
	return r.saveLocked()
}

// GetStatus reports the effective liveness of the instance. A record marked
// running whose process is gone reads as stopped; the store itself is not
// mutated by the check.
func (r *Registry) GetStatus(name string) (domain.InstanceStatus, error) {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: instance %q", domain.ErrNotFound, name)
	}
	status := inst.Status
	isTmux := inst.IsTmux()
	pid := inst.PID
	r.mu.Unlock()

	if status != domain.StatusRunning {
		return status, nil
	}
	if isTmux && pid > 0 && !r.probe(pid) {
		return domain.StatusStopped, nil
	}
	return status, nil
}

// saveLocked writes the whole document with temp-file + rename so a crash
// leaves either the old or the new state. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	doc := document{Instances: r.instances}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance store: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".instances-*.json")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace instance store: %w", err)
	}
	return nil
}

// processAlive sends signal 0 to check for a live process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
