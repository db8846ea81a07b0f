package adapter

import (
	"context"
	"fmt"
	"log/slog"
)

// Registry holds all adapters, built once at daemon startup and read-only
// thereafter.
type Registry struct {
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. Called only during startup wiring.
func (r *Registry) Register(a Adapter) error {
	if _, exists := r.byName[a.Name()]; exists {
		return fmt.Errorf("adapter already registered: %s", a.Name())
	}
	r.adapters = append(r.adapters, a)
	r.byName[a.Name()] = a
	return nil
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	return r.adapters
}

// WithCapability returns the adapters declaring the tag.
func (r *Registry) WithCapability(c Capability) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if HasCapability(a, c) {
			out = append(out, a)
		}
	}
	return out
}

// StartAll starts every adapter; a failure stops the ones already started.
func (r *Registry) StartAll(ctx context.Context, logger *slog.Logger) error {
	for i, a := range r.adapters {
		if err := a.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := r.adapters[j].Stop(); stopErr != nil {
					logger.Warn("adapter stop during rollback", "adapter", r.adapters[j].Name(), "error", stopErr)
				}
			}
			return fmt.Errorf("start adapter %s: %w", a.Name(), err)
		}
		logger.Info("adapter started", "adapter", a.Name(), "caps", a.Capabilities())
	}
	return nil
}

// StopAll stops every adapter in reverse registration order.
func (r *Registry) StopAll(logger *slog.Logger) {
	for i := len(r.adapters) - 1; i >= 0; i-- {
		a := r.adapters[i]
		if err := a.Stop(); err != nil {
			logger.Warn("adapter stop failed", "adapter", a.Name(), "error", err)
		}
	}
}
