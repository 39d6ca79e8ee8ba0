// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/credproxy/lib/ipc"
)

// Catalog is the provider catalog file: JSON with comments and
// trailing commas allowed.
type Catalog struct {
	Providers []Entry `json:"providers"`
}

// ParseCatalog parses catalog data.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := json.Unmarshal(jsonc.ToJSON(data), &catalog); err != nil {
		return nil, fmt.Errorf("parsing provider catalog: %w", err)
	}
	seen := make(map[string]bool, len(catalog.Providers))
	var errs []error
	for index := range catalog.Providers {
		entry := &catalog.Providers[index]
		if entry.Kind == "" {
			entry.Kind = KindOAuth2
		}
		if err := entry.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if entry.Kind != KindOAuth2 && entry.Kind != KindNative {
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", entry.Name, entry.Kind))
		}
		if seen[entry.Name] {
			errs = append(errs, fmt.Errorf("provider %q listed twice", entry.Name))
		}
		seen[entry.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Registry resolves provider names. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		registry.Register(p)
	}
	return registry
}

// FromCatalog builds a registry with one provider per catalog entry.
func FromCatalog(catalog *Catalog, httpClient *http.Client) *Registry {
	registry := NewRegistry()
	if catalog == nil {
		return registry
	}
	for _, entry := range catalog.Providers {
		switch entry.Kind {
		case KindNative:
			registry.Register(NewNative(entry, httpClient))
		default:
			registry.Register(NewOAuth2(entry, httpClient))
		}
	}
	return registry
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider or a PROVIDER_NOT_FOUND error.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ipc.ProviderNotFound("unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
