package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory opens a Source from the part of a URI after its scheme.
type Factory func(target string) (Source, error)

// Registry maps URI schemes to source factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for scheme.
func (r *Registry) Register(scheme string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[scheme]; exists {
		return fmt.Errorf("source scheme '%s' already registered", scheme)
	}

	r.factories[scheme] = f
	return nil
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.factories))
	for s := range r.factories {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}

// Open parses uri as "<scheme>:<target>" and opens it with the matching
// factory. "s3://bucket/prefix" is accepted as scheme "s3".
func (r *Registry) Open(uri string) (Source, error) {
	scheme, target, ok := strings.Cut(uri, ":")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("invalid source '%s': expected <scheme>:<target>", uri)
	}
	target = strings.TrimPrefix(target, "//")

	r.mu.RLock()
	f, exists := r.factories[scheme]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown source scheme '%s' (known: %s)", scheme, strings.Join(r.Schemes(), ", "))
	}

	src, err := f(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open source '%s': %w", uri, err)
	}
	return src, nil
}
