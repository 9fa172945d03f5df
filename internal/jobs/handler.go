package jobs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/pvm/internal/command"
)

// Handler runs a job inside the job's command. Returning an error rolls
// the command back and costs the job one retry.
type Handler interface {
	Execute(cc *command.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(cc *command.Context, job *Job) error

// Execute calls f(cc, job).
func (f HandlerFunc) Execute(cc *command.Context, job *Job) error {
	return f(cc, job)
}

// Registry maps handler types to handlers.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handlerType to h. Registering a type twice is an error.
func (r *Registry) Register(handlerType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handlerType]; exists {
		return fmt.Errorf("job handler %q already registered", handlerType)
	}
	r.handlers[handlerType] = h
	return nil
}

// MustRegister is Register that panics on error. Intended for wiring code.
func (r *Registry) MustRegister(handlerType string, h Handler) {
	if err := r.Register(handlerType, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for handlerType.
func (r *Registry) Get(handlerType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[handlerType]
	return h, ok
}

// Types returns the registered handler types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
