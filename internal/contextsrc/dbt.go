// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package contextsrc

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
)

// DbtNode is one model, source or seed read from dbt artifacts.
type DbtNode struct {
	UniqueID     string
	Name         string
	ResourceType string
	Relation     string
	Description  string
	Columns      []DbtColumn
	Parents      []string
	Children     []string
}

// DbtColumn is a documented column.
type DbtColumn struct {
	Name        string
	Description string
}

type dbtArtifact struct {
	Nodes   map[string]dbtRawNode `json:"nodes"`
	Sources map[string]dbtRawNode `json:"sources"`
}

type dbtRawNode struct {
	Name         string                  `json:"name"`
	ResourceType string                  `json:"resource_type"`
	Database     string                  `json:"database"`
	Schema       string                  `json:"schema"`
	Description  string                  `json:"description"`
	Columns      map[string]dbtRawColumn `json:"columns"`
	Parents      []string                `json:"parents"`
	DependsOn    struct {
		Nodes []string `json:"nodes"`
	} `json:"depends_on"`
}

type dbtRawColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Comment     string `json:"comment"`
}

var dbtDocumented = map[string]bool{"model": true, "source": true, "seed": true}

// DbtProvider injects table and column documentation from a dbt
// manifest.json, falling back to catalog.json comments for undocumented
// columns. Identifiers are upper-cased for oracle and lower-cased otherwise.
type DbtProvider struct {
	manifest string
	catalog  string
	provider string
	limit    int

	mu     sync.Mutex
	nodes  []DbtNode
	loaded bool
}

// NewDbtProvider reads the given artifacts on first use. catalog may be empty.
func NewDbtProvider(manifest, catalog, dbProvider string, limit int) *DbtProvider {
	return &DbtProvider{
		manifest: manifest,
		catalog:  catalog,
		provider: strings.ToLower(dbProvider),
		limit:    limit,
	}
}

func (p *DbtProvider) Name() string { return "dbt" }

// Nodes returns the parsed nodes, loading the artifacts if needed.
func (p *DbtProvider) Nodes(ctx context.Context) []DbtNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		nodes, err := p.load()
		if err != nil {
			log.Warn().Err(err).Func(telemetry.LogTraceFields(ctx)).Str("manifest", p.manifest).Msg("loading dbt artifacts")
		}
		p.nodes, p.loaded = nodes, true
	}
	return p.nodes
}

// Reload forces the artifacts to be read again on next use.
func (p *DbtProvider) Reload() {
	p.mu.Lock()
	p.nodes, p.loaded = nil, false
	p.mu.Unlock()
}

// ContextText implements Provider.
func (p *DbtProvider) ContextText(ctx context.Context) string {
	var b strings.Builder
	for _, n := range p.Nodes(ctx) {
		if !dbtDocumented[n.ResourceType] {
			continue
		}
		b.WriteString("Table: " + n.Relation + "\n")
		if n.Description != "" {
			b.WriteString("  Description: " + n.Description + "\n")
		}
		var documented []DbtColumn
		for _, c := range n.Columns {
			if c.Description != "" {
				documented = append(documented, c)
			}
		}
		if len(documented) > 0 {
			b.WriteString("  Columns:\n")
			for _, c := range documented {
				b.WriteString("    - " + c.Name + ": " + c.Description + "\n")
			}
		}
		if len(n.Parents) > 0 {
			b.WriteString("  Parents: " + strings.Join(n.Parents, ", ") + "\n")
		}
		if len(n.Children) > 0 {
			b.WriteString("  Children: " + strings.Join(n.Children, ", ") + "\n")
		}
		b.WriteString("\n")
	}
	return clip(strings.TrimSpace(b.String()), p.limit)
}

func (p *DbtProvider) load() ([]DbtNode, error) {
	if p.manifest == "" {
		return nil, nil
	}
	var manifest dbtArtifact
	if err := readJSON(p.manifest, &manifest); err != nil {
		return nil, err
	}
	var catalog dbtArtifact
	if p.catalog != "" {
		if err := readJSON(p.catalog, &catalog); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("catalog", p.catalog).Msg("ignoring unreadable dbt catalog")
		}
	}

	combined := make(map[string]dbtRawNode, len(manifest.Nodes)+len(manifest.Sources))
	for id, n := range manifest.Nodes {
		combined[id] = n
	}
	for id, n := range manifest.Sources {
		combined[id] = n
	}

	children := map[string][]string{}
	for id, n := range combined {
		for _, parent := range n.parents() {
			children[parent] = append(children[parent], id)
		}
	}

	ids := make([]string, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	nodes := make([]DbtNode, 0, len(ids))
	for _, id := range ids {
		raw := combined[id]
		name := raw.Name
		if name == "" {
			name = tail(id)
		}
		node := DbtNode{
			UniqueID:     id,
			Name:         p.ident(name),
			ResourceType: raw.ResourceType,
			Relation:     p.relation(raw.Database, raw.Schema, name),
			Description:  strings.TrimSpace(raw.Description),
		}

		catCols := catalog.Nodes[id].Columns
		colNames := make([]string, 0, len(raw.Columns))
		for cname := range raw.Columns {
			colNames = append(colNames, cname)
		}
		slices.Sort(colNames)
		for _, cname := range colNames {
			desc := strings.TrimSpace(raw.Columns[cname].Description)
			if desc == "" {
				desc = strings.TrimSpace(catCols[cname].Comment)
			}
			node.Columns = append(node.Columns, DbtColumn{Name: p.ident(cname), Description: desc})
		}

		for _, parent := range raw.parents() {
			node.Parents = append(node.Parents, p.ident(tail(parent)))
		}
		kids := children[id]
		slices.Sort(kids)
		for _, c := range kids {
			node.Children = append(node.Children, p.ident(tail(c)))
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (n dbtRawNode) parents() []string {
	if len(n.Parents) > 0 {
		return n.Parents
	}
	return n.DependsOn.Nodes
}

func (p *DbtProvider) ident(s string) string {
	if p.provider == "oracle" {
		return strings.ToUpper(s)
	}
	return strings.ToLower(s)
}

func (p *DbtProvider) relation(database, schema, name string) string {
	var parts []string
	for _, s := range []string{database, schema, name} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, p.ident(s))
		}
	}
	if len(parts) == 0 {
		return p.ident(name)
	}
	return strings.Join(parts, ".")
}

// tail returns the last dotted segment of a dbt unique id such as
// model.project.orders.
func tail(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
