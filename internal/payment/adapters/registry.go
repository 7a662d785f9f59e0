// Package adapters turns provider notifications into payment confirmations.
package adapters

import (
	"sort"
	"strings"

	"github.com/smallbiznis/tokenvault/internal/payment/domain"
)

// Registry maps a webhook path segment (stripe, zpay, yipay) to the factory for that gateway.
type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: make(map[string]domain.AdapterFactory, len(factories))}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		if name := normalize(factory.Provider()); name != "" {
			registry.factories[name] = factory
		}
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, ok := r.factory(provider)
	return ok
}

// Providers lists registered gateway names in a stable order.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewAdapter builds the gateway adapter; a gateway missing its secrets reports ErrInvalidConfig.
func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	factory, ok := r.factory(provider)
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

func (r *Registry) factory(provider string) (domain.AdapterFactory, bool) {
	if r == nil {
		return nil, false
	}
	factory, ok := r.factories[normalize(provider)]
	return factory, ok
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
