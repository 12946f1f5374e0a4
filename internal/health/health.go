// Package health watches docker-mode instances and recovers them after
// crashes: container state, pipe files, and the in-container agent process
// are probed on an interval, and repeated failures trigger a rate-limited
// recovery pass.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/ashureev/ccbridge/internal/dockerx"
	"github.com/ashureev/ccbridge/internal/domain"
	"github.com/ashureev/ccbridge/internal/pipes"
	"github.com/ashureev/ccbridge/internal/session"
)

const (
	// DefaultInterval between check sweeps.
	DefaultInterval = 30 * time.Second
	// DefaultRecoveryDelay paces recovery: attempts are at least
	// 2*DefaultRecoveryDelay apart per instance.
	DefaultRecoveryDelay = 60 * time.Second
	// failureThreshold is how many consecutive unhealthy checks arm recovery.
	failureThreshold = 3

	recoveredError = "Instance recovered from crash"
)

// InstanceSource yields the instances to watch. The registry implements it.
type InstanceSource interface {
	List() []domain.Instance
}

// Monitor runs the periodic health sweep over docker-mode instances.
type Monitor struct {
	docker      dockerx.APIClient
	instances   InstanceSource
	tracker     *session.Tracker
	pipeDir     string
	agentBinary string

	interval      time.Duration
	recoveryDelay time.Duration

	mu      sync.Mutex
	records map[string]*domain.HealthRecord
	now     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRecoveryDelay overrides the recovery pacing base.
func WithRecoveryDelay(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.recoveryDelay = d
		}
	}
}

// WithAgentBinary overrides the probed process name.
func WithAgentBinary(name string) Option {
	return func(m *Monitor) {
		if name != "" {
			m.agentBinary = name
		}
	}
}

// NewMonitor creates a health monitor.
func NewMonitor(docker dockerx.APIClient, instances InstanceSource, tracker *session.Tracker, pipeDir string, opts ...Option) *Monitor {
	m := &Monitor{
		docker:        docker,
		instances:     instances,
		tracker:       tracker,
		pipeDir:       pipeDir,
		agentBinary:   "claude",
		interval:      DefaultInterval,
		recoveryDelay: DefaultRecoveryDelay,
		records:       make(map[string]*domain.HealthRecord),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sweep loop. It returns immediately; the loop stops when
// ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep checks every docker-mode instance once.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, inst := range m.instances.List() {
		if !inst.IsDocker() {
			continue
		}
		record := m.check(ctx, inst)
		if record.ConsecutiveFailures >= failureThreshold && m.armRecovery(inst.Name) {
			m.recover(ctx, inst)
		}
	}
}

// check probes one instance and folds the result into its record.
func (m *Monitor) check(ctx context.Context, inst domain.Instance) domain.HealthRecord {
	var (
		running bool
		lastErr string
	)
	info, err := m.docker.ContainerInspect(ctx, containerRef(inst))
	if err != nil {
		lastErr = fmt.Sprintf("inspect container: %v", err)
	} else {
		running = info.State != nil && info.State.Running
	}

	ch := pipes.NewChannel(m.pipeDir, inst.Name)
	pipesExist := ch.Exists()

	agentRunning := false
	if running {
		out, code, err := dockerx.ExecCapture(ctx, m.docker, containerRef(inst), []string{"pgrep", "-x", m.agentBinary})
		if err != nil {
			if lastErr == "" {
				lastErr = fmt.Sprintf("process probe: %v", err)
			}
		} else {
			agentRunning = code == 0 && strings.TrimSpace(out) != ""
		}
	}

	sessionHealthy := true
	if status, err := m.tracker.GetStatus(inst.Name); err == nil {
		sessionHealthy = status != domain.SessionInactive
	}

	healthy := running && pipesExist

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[inst.Name]
	if !ok {
		record = &domain.HealthRecord{InstanceName: inst.Name}
		m.records[inst.Name] = record
	}
	record.LastCheck = m.now()
	record.ContainerRunning = running
	record.PipesExist = pipesExist
	record.AgentRunning = agentRunning
	record.SessionHealthy = sessionHealthy
	record.Healthy = healthy
	record.LastError = lastErr
	if healthy {
		record.ConsecutiveFailures = 0
	} else {
		record.ConsecutiveFailures++
		slog.Warn("Instance unhealthy",
			"instance", inst.Name,
			"container_running", running,
			"pipes_exist", pipesExist,
			"agent_running", agentRunning,
			"consecutive_failures", record.ConsecutiveFailures)
	}
	return *record
}

// armRecovery decides whether a recovery attempt is due, enforcing the
// per-instance pacing of one attempt per 2*recoveryDelay.
func (m *Monitor) armRecovery(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[name]
	if !ok {
		return false
	}
	now := m.now()
	if record.LastRecoveryAttempt != nil && now.Sub(*record.LastRecoveryAttempt) < 2*m.recoveryDelay {
		return false
	}
	attempt := now
	record.LastRecoveryAttempt = &attempt
	return true
}

// recover tries to bring one instance back: restart the container if it is
// down, recreate missing pipes, and fail over any turn orphaned by the crash.
func (m *Monitor) recover(ctx context.Context, inst domain.Instance) {
	slog.Info("Attempting instance recovery", "instance", inst.Name)

	info, err := m.docker.ContainerInspect(ctx, containerRef(inst))
	if err != nil || info.State == nil || !info.State.Running {
		if err := m.docker.ContainerStart(ctx, containerRef(inst), container.StartOptions{}); err != nil {
			slog.Error("Recovery: container restart failed", "instance", inst.Name, "error", err)
			return
		}
		slog.Info("Recovery: container restarted", "instance", inst.Name)
	}

	ch := pipes.NewChannel(m.pipeDir, inst.Name)
	if !ch.Exists() {
		if err := ch.Create(); err != nil {
			slog.Error("Recovery: pipe recreation failed", "instance", inst.Name, "error", err)
			return
		}
		slog.Info("Recovery: pipes recreated", "instance", inst.Name)
	}

	out, code, err := dockerx.ExecCapture(ctx, m.docker, containerRef(inst), []string{"pgrep", "-x", m.agentBinary})
	if err != nil || code != 0 || strings.TrimSpace(out) == "" {
		slog.Warn("Recovery: agent process still missing", "instance", inst.Name, "error", err)
	}

	// A turn that was active across the crash will never complete normally.
	if turn, ok := m.tracker.ActiveRequest(inst.Name); ok {
		m.tracker.CompleteRequest(inst.Name, turn.RequestID, "", recoveredError)
		slog.Info("Recovery: orphaned turn failed over", "instance", inst.Name, "request_id", turn.RequestID)
	}

	m.mu.Lock()
	if record, ok := m.records[inst.Name]; ok {
		record.ConsecutiveFailures = 0
	}
	m.mu.Unlock()
}

// Snapshot returns a copy of all health records.
func (m *Monitor) Snapshot() map[string]domain.HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]domain.HealthRecord, len(m.records))
	for name, record := range m.records {
		out[name] = *record
	}
	return out
}

func containerRef(inst domain.Instance) string {
	if inst.ContainerID != "" {
		return inst.ContainerID
	}
	return inst.ContainerName
}
