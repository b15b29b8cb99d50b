package adapters

import (
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/songforge/internal/payment/domain"
)

// Registry builds one adapter per configured provider and reuses it.
type Registry struct {
	factories map[string]domain.AdapterFactory
	configs   map[string]domain.AdapterConfig

	mu       sync.Mutex
	adapters map[string]domain.PaymentAdapter
}

func NewRegistry(configs []domain.AdapterConfig, factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		configs:   map[string]domain.AdapterConfig{},
		adapters:  map[string]domain.PaymentAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	for _, cfg := range configs {
		provider := normalize(cfg.Provider)
		if provider == "" {
			continue
		}
		cfg.Provider = provider
		registry.configs[provider] = cfg
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = normalize(provider)
	_, hasFactory := r.factories[provider]
	_, hasConfig := r.configs[provider]
	return hasFactory && hasConfig
}

// Providers lists the providers that can verify webhooks.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.configs))
	for provider := range r.configs {
		if _, ok := r.factories[provider]; ok {
			out = append(out, provider)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.adapters[provider]; ok {
		return adapter, nil
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	cfg, ok := r.configs[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	adapter, err := factory.NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	r.adapters[provider] = adapter
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
