// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package contextsrc supplies the schema and documentation text injected
// into prompts. Every provider is best effort: failures are logged and an
// empty string is returned so a missing document never fails a request.
package contextsrc

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Provider returns context text for prompt injection, possibly empty.
type Provider interface {
	Name() string
	ContextText(ctx context.Context) string
}

// Multi concatenates the non-empty output of several providers, each under
// a heading naming its source.
type Multi struct {
	providers []Provider
}

// NewMulti builds a Multi from the given providers, skipping nil entries.
func NewMulti(providers ...Provider) *Multi {
	m := &Multi{}
	for _, p := range providers {
		if p != nil {
			m.providers = append(m.providers, p)
		}
	}
	return m
}

// Name implements Provider.
func (m *Multi) Name() string { return "multi" }

// Len returns the number of configured providers.
func (m *Multi) Len() int { return len(m.providers) }

// ContextText implements Provider.
func (m *Multi) ContextText(ctx context.Context) string {
	var parts []string
	for _, p := range m.providers {
		if text := strings.TrimSpace(p.ContextText(ctx)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Static serves fixed text. It backs tests and the allow-list guidance.
type Static struct {
	Label string
	Text  string
}

func (s Static) Name() string                        { return s.Label }
func (s Static) ContextText(context.Context) string { return s.Text }

// Func adapts a function to Provider.
type Func struct {
	Label string
	Fn    func(ctx context.Context) string
}

func (f Func) Name() string                            { return f.Label }
func (f Func) ContextText(ctx context.Context) string { return f.Fn(ctx) }

// clip keeps the first limit characters of s. A non-positive limit keeps
// everything.
func clip(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
