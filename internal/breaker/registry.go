package breaker

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
)

// Registry hands out named breakers. It is constructed explicitly and passed
// to whoever needs it; there is no package-level instance.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	breakers map[string]*Breaker
	onChange StateChangeFunc
}

// NewRegistry creates a registry whose breakers default to cfg.
func NewRegistry(cfg Config, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers a callback applied to every breaker, including
// ones created later.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.OnStateChange(fn)
	}
}

// Get returns the breaker called name, creating it with the registry
// default config if needed.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.cfg)
}

// GetWithConfig returns the breaker called name, creating it with cfg if
// needed. An existing breaker keeps its original config.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.clock)
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[name] = b
	return b
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AnyOpen reports whether any breaker is open. Half-open counts as not open.
func (r *Registry) AnyOpen() bool {
	for _, b := range r.snapshot() {
		if b.State() == Open {
			return true
		}
	}
	return false
}

// States returns the state of every breaker by name.
func (r *Registry) States() map[string]State {
	out := make(map[string]State)
	for _, b := range r.snapshot() {
		out[b.Name()] = b.State()
	}
	return out
}

// ResetAll closes every circuit.
func (r *Registry) ResetAll() {
	for _, b := range r.snapshot() {
		b.Reset()
	}
}

func (r *Registry) snapshot() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}
