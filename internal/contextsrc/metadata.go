// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package contextsrc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// SemanticModel is the YAML business glossary layered over the schema.
type SemanticModel struct {
	Entities      []Entity       `yaml:"entities" json:"entities"`
	Metrics       []Metric       `yaml:"metrics" json:"metrics"`
	Relationships []Relationship `yaml:"relationships" json:"relationships"`
}

// Entity documents one table.
type Entity struct {
	Name        string   `yaml:"name" json:"name"`
	Table       string   `yaml:"table" json:"table"`
	Description string   `yaml:"description" json:"description"`
	Columns     []Column `yaml:"columns" json:"columns"`
}

// Column documents one column of an entity.
type Column struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Metric is a named business calculation.
type Metric struct {
	Name        string `yaml:"name" json:"name"`
	Expression  string `yaml:"expression" json:"expression"`
	Description string `yaml:"description" json:"description"`
}

// Relationship is a join path between two entities.
type Relationship struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	Type string `yaml:"type" json:"type"`
}

// LoadSemanticModel parses a semantic model file.
func LoadSemanticModel(path string) (*SemanticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading semantic model: %w", err)
	}
	var m SemanticModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing semantic model %s: %w", path, err)
	}
	return &m, nil
}

// Text renders the model for prompt injection.
func (m *SemanticModel) Text() string {
	var b strings.Builder
	for _, e := range m.Entities {
		table := e.Table
		if table == "" {
			table = e.Name
		}
		fmt.Fprintf(&b, "Entity %s (table %s)", e.Name, table)
		if e.Description != "" {
			b.WriteString(": " + e.Description)
		}
		b.WriteString("\n")
		for _, c := range e.Columns {
			if c.Description != "" {
				fmt.Fprintf(&b, "  - %s: %s\n", c.Name, c.Description)
			}
		}
	}
	for _, r := range m.Relationships {
		kind := r.Type
		if kind == "" {
			kind = "relates to"
		}
		fmt.Fprintf(&b, "Join: %s %s %s\n", r.From, kind, r.To)
	}
	for _, mt := range m.Metrics {
		fmt.Fprintf(&b, "Metric %s = %s", mt.Name, mt.Expression)
		if mt.Description != "" {
			b.WriteString(" (" + mt.Description + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// MetadataProvider injects a semantic model file, re-read on every call so
// edits take effect without a restart.
type MetadataProvider struct {
	path string
}

// NewMetadataProvider serves the semantic model at path.
func NewMetadataProvider(path string) *MetadataProvider {
	return &MetadataProvider{path: path}
}

func (p *MetadataProvider) Name() string { return "metadata" }

// ContextText implements Provider.
func (p *MetadataProvider) ContextText(ctx context.Context) string {
	if p.path == "" {
		return ""
	}
	m, err := LoadSemanticModel(p.path)
	if err != nil {
		log.Warn().Err(err).Func(telemetry.LogTraceFields(ctx)).Msg("semantic model unavailable")
		return ""
	}
	if text := m.Text(); text != "" {
		return "Business glossary:\n" + text
	}
	return ""
}
