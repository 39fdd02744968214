package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// Handler executes one step type.
//
// The returned value becomes the step's result under its name in the
// invocation's step results. Handlers must not mutate ectx.
type Handler interface {
	Execute(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	return f(ctx, step, ectx)
}

// Registry maps step type tags to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for stepType. Registering a type twice is an error.
func (r *Registry) Register(stepType string, h Handler) error {
	if stepType == "" {
		return fmt.Errorf("registering handler: empty step type")
	}
	if h == nil {
		return fmt.Errorf("registering handler %q: nil handler", stepType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[stepType]; exists {
		return fmt.Errorf("handler already registered for step type %q", stepType)
	}
	r.handlers[stepType] = h
	return nil
}

// MustRegister is Register for package initialisation; it panics on error.
func (r *Registry) MustRegister(stepType string, h Handler) {
	if err := r.Register(stepType, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for stepType.
func (r *Registry) Get(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

// Has reports whether stepType has a handler.
func (r *Registry) Has(stepType string) bool {
	_, ok := r.Get(stepType)
	return ok
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
