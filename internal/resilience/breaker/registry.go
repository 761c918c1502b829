package breaker

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownBreaker is returned when a breaker name is not registered.
var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// Registry holds the process-wide breakers by dependency name.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	order     []string
	observers []func(name string, to State)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds a breaker. Registering a name twice replaces the old breaker.
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	if _, exists := r.breakers[b.Name()]; !exists {
		r.order = append(r.order, b.Name())
	}
	r.breakers[b.Name()] = b
	r.mu.Unlock()

	b.observe(r.dispatch)
}

// Get returns the breaker for a dependency.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Snapshots returns a view of every breaker in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, r.breakers[name])
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	return out
}

// Reset closes the named breaker.
func (r *Registry) Reset(name string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	b.Reset()
	return nil
}

// OnStateChange registers a callback invoked after every transition of any
// registered breaker.
func (r *Registry) OnStateChange(fn func(name string, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) dispatch(name string, _, to State) {
	r.mu.RLock()
	observers := append([]func(string, State){}, r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(name, to)
	}
}
