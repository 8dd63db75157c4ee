package engine

import (
	"context"
	"fmt"
	"sync"
)

// Provider materializes instances of one or more resource types. Providers
// receive fully resolved attribute values as plain Go types and return an
// identity plus any provider-computed outputs. Implementations must be safe
// for concurrent use; the scheduler calls Create from multiple workers.
type Provider interface {
	// Create materializes a new instance and returns its identity and
	// outputs. Errors should be wrapped as *EngineError when the provider
	// can classify them; unclassified errors are treated as permanent.
	Create(ctx context.Context, resourceType string, attrs map[string]interface{}) (identity string, outputs map[string]interface{}, err error)

	// Read fetches the current outputs of a previously created instance.
	Read(ctx context.Context, resourceType, identity string) (map[string]interface{}, error)
}

// ProviderRegistry maps resource types to providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewProviderRegistry returns an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register binds a provider to a resource type. Registering a type twice
// replaces the earlier binding.
func (r *ProviderRegistry) Register(resourceType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[resourceType] = p
}

// RegisterFallback binds a provider used for resource types with no explicit
// registration.
func (r *ProviderRegistry) RegisterFallback(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// Get returns the provider for a resource type.
func (r *ProviderRegistry) Get(resourceType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[resourceType]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, NewValidationError(fmt.Sprintf("no provider registered for resource type %q", resourceType), nil)
}
