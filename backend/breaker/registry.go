package breaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per named dependency. It is documented
// process-wide state: every caller in the process shares the same breaker
// for a given dependency name.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers default to cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the shared breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Unhealthy returns the names of breakers not in the closed state, sorted.
func (r *Registry) Unhealthy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, b := range r.breakers {
		if b.State() != StateClosed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshots returns the state of every registered breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
