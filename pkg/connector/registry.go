// Package connector is the entry point of the pipeline: it turns raw
// user text into processed queries, routes them to the right adapter,
// and manages connection lifecycle, pooling, and admission control.
package connector

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/adapter"
	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
	"github.com/datalinkhq/datalink/pkg/security"
)

// AdapterFactory builds one adapter instance.
type AdapterFactory func(logger *zap.Logger) adapter.Adapter

// Registry maps source types to adapter factories. Instances are
// independent; composition roots create exactly one and hand it to the
// connectors that need it.
type Registry struct {
	factories map[config.SourceType]AdapterFactory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[config.SourceType]AdapterFactory)}
}

// Register adds a factory for the given source type. Registering the
// same type twice is a programming error and fails.
func (r *Registry) Register(t config.SourceType, factory AdapterFactory) error {
	if factory == nil {
		return errors.New(errors.CategoryConfiguration, "REGISTRY_NIL_FACTORY", "adapter factory must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return errors.Newf(errors.CategoryConfiguration, "REGISTRY_DUPLICATE", "adapter type %q is already registered", t)
	}
	r.factories[t] = factory
	return nil
}

// Create instantiates an adapter for the source type.
func (r *Registry) Create(t config.SourceType, logger *zap.Logger) (adapter.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CategoryConfiguration, "REGISTRY_UNKNOWN_TYPE", "no adapter registered for type %q", t)
	}
	return factory(logger), nil
}

// Types lists the registered source types, sorted.
func (r *Registry) Types() []config.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]config.SourceType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewDefaultRegistry returns a registry with the built-in adapters. The
// SQL adapter uses the simulated executor unless newExecutor is set.
func NewDefaultRegistry(validator *security.Validator, newExecutor func() adapter.SQLExecutor) *Registry {
	r := NewRegistry()
	_ = r.Register(config.SourceMemory, func(logger *zap.Logger) adapter.Adapter {
		return adapter.NewMemoryAdapter(logger)
	})
	_ = r.Register(config.SourceSQL, func(logger *zap.Logger) adapter.Adapter {
		return adapter.NewSQLAdapter(validator, newExecutor, logger)
	})
	_ = r.Register(config.SourceAPI, func(logger *zap.Logger) adapter.Adapter {
		return adapter.NewAPIAdapter(nil, logger)
	})
	return r
}
