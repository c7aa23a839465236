package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Handler performs the work of one task type. It returns nil on success.
// Handlers report progress through the Manager and should return promptly
// once ctx is cancelled.
type Handler func(ctx context.Context, taskID uuid.UUID, params Params) error

// Registry maps task types to handlers. Entries are never removed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds taskType to h.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("%w: empty task type", ErrInvalidTask)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidTask, taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerExists, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// MustRegister is Register for process start-up wiring; it panics on error.
func (r *Registry) MustRegister(taskType string, h Handler) {
	if err := r.Register(taskType, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for taskType or ErrUnknownTaskType.
func (r *Registry) Lookup(taskType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return h, nil
}

// Has reports whether taskType is registered.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Strings(types)
	return types
}
