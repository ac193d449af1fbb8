// Package model holds the ordered set of reasoning endpoints and their health.
//
// Requests walk the endpoints in configuration order; the first healthy one
// that succeeds wins. Endpoints that keep failing are skipped for a recovery
// period by a per-endpoint circuit breaker.
package model

import (
	"encoding/json"
	"fmt"
	"sync"
)

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Name identifies the endpoint in logs and health tracking.
	Name string `json:"name" yaml:"name"`

	// Provider is the model provider (ollama, ollama-native, openai).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens caps the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Validate checks required fields.
func (e EndpointConfig) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if e.Provider == "" {
		return fmt.Errorf("endpoint %s: provider is required", e.Name)
	}
	if e.Model == "" {
		return fmt.Errorf("endpoint %s: model is required", e.Name)
	}
	if e.MaxTokens < 0 {
		return fmt.Errorf("endpoint %s: max_tokens must not be negative", e.Name)
	}
	return nil
}

// Registry is an ordered fallback chain of endpoints.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	endpoints map[string]*EndpointConfig
	health    *healthState
}

// NewRegistry creates a registry whose fallback order is the order of endpoints.
func NewRegistry(endpoints []EndpointConfig) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	r := &Registry{
		endpoints: make(map[string]*EndpointConfig, len(endpoints)),
		health:    newHealthState(DefaultHealthConfig()),
	}
	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.endpoints[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		r.endpoints[ep.Name] = &ep
		r.order = append(r.order, ep.Name)
	}
	return r, nil
}

// DefaultEndpoint is a local Ollama serving llama3.
func DefaultEndpoint() EndpointConfig {
	return EndpointConfig{
		Name:     "local",
		Provider: "ollama",
		URL:      "http://localhost:11434/v1",
		Model:    "llama3",
	}
}

// NewDefaultRegistry creates a registry with the single default endpoint.
func NewDefaultRegistry() *Registry {
	r, _ := NewRegistry([]EndpointConfig{DefaultEndpoint()})
	return r
}

// Primary returns the first endpoint in the chain.
func (r *Registry) Primary() *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	ep := *r.endpoints[r.order[0]]
	return &ep
}

// GetFallbackChain returns endpoint names in order of preference.
func (r *Registry) GetFallbackChain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// GetEndpoint returns a copy of the named endpoint, or nil if unknown.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return nil
	}
	cp := *ep
	return &cp
}

// SetEndpoint updates an endpoint or appends it to the end of the chain.
func (r *Registry) SetEndpoint(cfg EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[cfg.Name]; !ok {
		r.order = append(r.order, cfg.Name)
	}
	r.endpoints[cfg.Name] = &cfg
	return nil
}

// Endpoints returns copies of all endpoints in chain order.
func (r *Registry) Endpoints() []EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EndpointConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.endpoints[name])
	}
	return out
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Endpoints []EndpointConfig `json:"endpoints"`
	}{
		Endpoints: r.Endpoints(),
	})
}
