package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the registered providers. It must be created via NewRegistry
// and passed explicitly to components that need it.
type Registry struct {
	mu        sync.RWMutex
	providers map[ChannelType]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: map[ChannelType]Provider{},
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider is nil")
	}
	ct := normalizeChannelType(provider.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.providers[ct] = provider
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(provider Provider) {
	if err := r.Register(provider); err != nil {
		panic(err)
	}
}

// Get returns the provider for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Provider, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[ct]
	return provider, ok
}

// Types returns all registered channel types in sorted order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.providers))
	for ct := range r.providers {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return ct, nil
}

// ValidateConfig runs the provider's credential check for channelType.
func (r *Registry) ValidateConfig(channelType ChannelType, raw map[string]any) error {
	provider, ok := r.Get(channelType)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", channelType)
	}
	if raw == nil {
		return fmt.Errorf("%w: config is empty", ErrInvalidConfig)
	}
	return provider.ValidateConfig(raw)
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
