// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package breaker

import (
	"sort"
	"sync"

	"github.com/sqlwarden/sqlwarden/pkg/health"
)

// Well-known protected resources.
const (
	ResourceLLM      = "llm"
	ResourceDatabase = "database"
)

// Registry holds the process-wide breakers so status endpoints can report
// on them. Breakers are still passed to their callers explicitly.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register creates a breaker for name and stores it. Registering the same
// name twice replaces the earlier breaker.
func (r *Registry) Register(name string, cfg Config) (*Breaker, error) {
	b, err := New(name, cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.breakers[name] = b
	r.mu.Unlock()
	return b, nil
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshot returns metrics for every registered breaker, sorted by name.
func (r *Registry) Snapshot() []health.Metrics {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]health.Metrics, 0, len(names))
	for _, name := range names {
		if b, ok := r.Get(name); ok {
			out = append(out, b.Metrics())
		}
	}
	return out
}
