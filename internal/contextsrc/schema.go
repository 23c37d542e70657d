// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package contextsrc

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
)

// SchemaSource renders a database schema as text.
type SchemaSource interface {
	SchemaContext(ctx context.Context) (string, error)
}

// SchemaProvider injects the database schema. A successful read is cached
// until Invalidate is called.
type SchemaProvider struct {
	src   SchemaSource
	limit int

	mu     sync.Mutex
	cached string
	loaded bool
}

// NewSchemaProvider wraps src, clipping its output to limit characters.
func NewSchemaProvider(src SchemaSource, limit int) *SchemaProvider {
	return &SchemaProvider{src: src, limit: limit}
}

func (p *SchemaProvider) Name() string { return "schema" }

// ContextText implements Provider.
func (p *SchemaProvider) ContextText(ctx context.Context) string {
	p.mu.Lock()
	if p.loaded {
		text := p.cached
		p.mu.Unlock()
		return text
	}
	p.mu.Unlock()

	ddl, err := p.src.SchemaContext(ctx)
	if err != nil {
		log.Warn().Err(err).Func(telemetry.LogTraceFields(ctx)).Msg("schema context unavailable")
		return ""
	}
	text := ""
	if ddl = strings.TrimSpace(ddl); ddl != "" {
		text = "Database schema:\n" + clip(ddl, p.limit)
	}

	p.mu.Lock()
	p.cached, p.loaded = text, true
	p.mu.Unlock()
	return text
}

// Invalidate drops the cached schema.
func (p *SchemaProvider) Invalidate() {
	p.mu.Lock()
	p.cached, p.loaded = "", false
	p.mu.Unlock()
}
