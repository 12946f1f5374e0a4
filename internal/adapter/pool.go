package adapter

import (
	"context"
	"sync"

	"github.com/ashureev/ccbridge/internal/domain"
)

// Pool caches one adapter per instance so transport state (pipe channels,
// exec streams) survives across requests.
type Pool struct {
	deps Deps

	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewPool creates an adapter pool.
func NewPool(deps Deps) *Pool {
	return &Pool{deps: deps, adapters: make(map[string]Adapter)}
}

// Get returns the adapter for the instance, building it on first use.
func (p *Pool) Get(inst domain.Instance) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.adapters[inst.Name]; ok {
		return a, nil
	}
	a, err := New(inst, p.deps)
	if err != nil {
		return nil, err
	}
	p.adapters[inst.Name] = a
	return a, nil
}

// Resolve returns adapters for all given instances, skipping ones that fail
// to build.
func (p *Pool) Resolve(instances []domain.Instance) []Adapter {
	out := make([]Adapter, 0, len(instances))
	for _, inst := range instances {
		a, err := p.Get(inst)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Drop removes and cleans up the adapter for the named instance.
func (p *Pool) Drop(name string) {
	p.mu.Lock()
	a, ok := p.adapters[name]
	delete(p.adapters, name)
	p.mu.Unlock()
	if ok {
		_ = a.Cleanup()
	}
}

// CleanupAll releases every cached adapter.
func (p *Pool) CleanupAll() {
	p.mu.Lock()
	adapters := p.adapters
	p.adapters = make(map[string]Adapter)
	p.mu.Unlock()

	for _, a := range adapters {
		_ = a.Cleanup()
	}
}

// SelectFrom picks the default target among the given instances.
func (p *Pool) SelectFrom(ctx context.Context, instances []domain.Instance, preferTmux bool) (Adapter, error) {
	return Select(ctx, p.Resolve(instances), preferTmux)
}
