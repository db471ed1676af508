// Package executor runs claimed builds and records their final status.
package executor

import (
	"context"
	"sync"

	"github.com/ynop/vespene/internal/domain"
)

// Engine runs the steps of one build. A nil error means the build succeeded.
type Engine interface {
	Run(ctx context.Context, build *domain.Build) error
	Name() string
}

// Registry maps engine names to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. Safe to call concurrently.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine registered under name.
// Returns UnknownEngineError if not registered.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, &domain.UnknownEngineError{Engine: name}
	}
	return e, nil
}
