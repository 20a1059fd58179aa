// Package commreg remembers, per kernel, whether the control channel target
// has been registered with it.
//
// The registry is created once by the host and outlives kernel restarts: the
// host calls Unregister when a notebook's kernel reference changes and then
// RegisterIfAbsent for the new kernel.
package commreg

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the set of kernel ids with a registered channel target.
type Registry struct {
	mu         sync.Mutex
	registered map[string]struct{}
	logger     *slog.Logger
}

// New creates an empty registry. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{registered: make(map[string]struct{}), logger: logger}
}

// RegisterIfAbsent runs setup and marks envID as registered, unless it is
// already marked. setup runs under the registry lock and must not call back
// into the registry. A failing setup leaves envID unmarked.
func (r *Registry) RegisterIfAbsent(envID string, setup func() error) (bool, error) {
	if envID == "" {
		return false, fmt.Errorf("cannot register channel target for an empty kernel id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[envID]; exists {
		return false, nil
	}
	if err := setup(); err != nil {
		return false, fmt.Errorf("failed to register channel target for kernel %s: %w", envID, err)
	}
	r.registered[envID] = struct{}{}
	r.logger.Debug("Channel target registered.", "kernel_id", envID)
	return true, nil
}

// Unregister removes the mark for envID and reports whether it was set.
func (r *Registry) Unregister(envID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[envID]; !exists {
		return false
	}
	delete(r.registered, envID)
	r.logger.Debug("Channel target unregistered.", "kernel_id", envID)
	return true
}

// IsRegistered reports whether envID is marked.
func (r *Registry) IsRegistered(envID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.registered[envID]
	return exists
}

// Len returns the number of registered kernels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}
