// Package search gives the agent a pluggable web search backend.
//
// Each backend implements [Provider] and registers with the [Manager]
// under its name. The web_search tool queries the primary provider by
// default and lets the model pick a specific one when it has a reason
// to (regional results, a provider being down).
package search

import (
	"context"
	"fmt"
	"sort"
)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Options tune a single query.
type Options struct {
	// Count caps the number of results. Providers may return fewer.
	// Zero means the provider default.
	Count int

	// Language is an ISO 639-1 code ("en", "de"). Empty lets the
	// provider decide.
	Language string
}

// Provider is a search backend.
type Provider interface {
	// Name identifies the backend ("searxng", "brave").
	Name() string

	// Search runs a query and returns ranked results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager routes queries to registered providers.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a manager whose default backend is primary.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider under its own name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search queries the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith queries a specific provider by name.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Primary returns the default provider name.
func (m *Manager) Primary() string { return m.primary }

// Providers returns registered provider names, sorted for stable
// diagnostics output.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether any provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
