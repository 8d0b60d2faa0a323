package upstream

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
)

// Registry routes turns to providers. Dialect-tagged envelopes resolve by
// dialect; simple-text envelopes resolve by model pattern, then fallback.
type Registry struct {
	mu            sync.RWMutex
	providers     map[string]Provider
	dialectRoutes map[dialect.Dialect]string
	modelRoutes   map[string]string // model pattern -> provider name
	fallback      Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:     make(map[string]Provider),
		dialectRoutes: make(map[dialect.Dialect]string),
		modelRoutes:   make(map[string]string),
	}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("registry: provider cannot be nil")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return errors.New("registry: provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// RouteDialect binds a dialect to a provider name. Dialect routes are
// exact; a dialect without a route is a routing failure, never a
// fallback candidate.
func (r *Registry) RouteDialect(d dialect.Dialect, providerName string) error {
	if d == dialect.None {
		return errors.New("registry: cannot route the empty dialect")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[providerName]; !exists {
		return fmt.Errorf("registry: provider %q not registered", providerName)
	}
	r.dialectRoutes[d] = providerName
	return nil
}

// RouteModel binds a model pattern to a provider name.
// Model patterns support:
// - Exact match: "gpt-4o"
// - Prefix match: "gpt-*"
// - Suffix match: "*-mini"
// - Contains match: "*sonnet*"
func (r *Registry) RouteModel(modelPattern, providerName string) error {
	if modelPattern == "" {
		return errors.New("registry: model pattern cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[providerName]; !exists {
		return fmt.Errorf("registry: provider %q not registered", providerName)
	}
	r.modelRoutes[modelPattern] = providerName
	return nil
}

// SetFallback sets the provider used when no model route matches a
// simple-text envelope.
func (r *Registry) SetFallback(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// Resolve picks the provider for an adapted envelope.
func (r *Registry) Resolve(env dialect.Envelope) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if env.Dialect != dialect.None {
		name, ok := r.dialectRoutes[env.Dialect]
		if !ok {
			return nil, fmt.Errorf("registry: no provider for dialect %q", env.Dialect)
		}
		p, ok := r.providers[name]
		if !ok {
			return nil, fmt.Errorf("registry: provider %q not found", name)
		}
		return p, nil
	}

	model := strings.ToLower(strings.TrimSpace(env.Model))
	if model != "" {
		if name, ok := r.modelRoutes[model]; ok {
			return r.providers[name], nil
		}
		for pattern, name := range r.modelRoutes {
			if matchPattern(model, pattern) {
				return r.providers[name], nil
			}
		}
	}

	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("registry: no provider found for model %q", env.Model)
}

// Provider looks up a registered provider by name.
func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("registry: provider %q not registered", name)
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// matchPattern checks if a model matches a pattern.
func matchPattern(model, pattern string) bool {
	model = strings.ToLower(model)
	pattern = strings.ToLower(pattern)

	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}
	return false
}
