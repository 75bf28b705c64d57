package breaker

import (
	"sort"
	"sync"
)

// Registry lazily mints one Breaker per target, all sharing the same options.
// It satisfies the router's HealthChecker with Available.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates a registry whose breakers are configured with opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// For returns the breaker for target, creating it on first use.
func (r *Registry) For(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b = New(target, r.opts...)
	r.breakers[target] = b
	return b
}

// Available reports whether target would currently admit a call, without
// consuming the half-open probe slot. An unknown target is available: its
// breaker starts closed.
func (r *Registry) Available(target string) bool {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return b.nowFunc().After(b.lastTripped.Add(b.cooldown))
	default: // HalfOpen: a probe is in flight, others are shed
		return false
	}
}

// Snapshots returns every breaker's state sorted by target name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Reset forces a target's breaker back to Closed. Admin use only.
func (r *Registry) Reset(target string) {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.failureCount = 0
	b.setState(Closed)
	b.mu.Unlock()
}
