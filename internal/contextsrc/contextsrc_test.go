// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package contextsrc_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type fakeSchema struct {
	ddl   string
	err   error
	calls atomic.Int32
}

func (f *fakeSchema) SchemaContext(context.Context) (string, error) {
	f.calls.Add(1)
	return f.ddl, f.err
}

func TestMulti_SkipsEmptySections(t *testing.T) {
	m := contextsrc.NewMulti(
		contextsrc.Static{Label: "a", Text: "  first  "},
		nil,
		contextsrc.Static{Label: "b", Text: ""},
		contextsrc.Func{Label: "c", Fn: func(context.Context) string { return "third" }},
	)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, "first\n\nthird", m.ContextText(context.Background()))
}

func TestSchemaProvider_CachesSuccess(t *testing.T) {
	src := &fakeSchema{ddl: "CREATE TABLE orders(id INTEGER);"}
	p := contextsrc.NewSchemaProvider(src, 0)

	first := p.ContextText(context.Background())
	second := p.ContextText(context.Background())

	assert.Equal(t, "Database schema:\nCREATE TABLE orders(id INTEGER);", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())

	p.Invalidate()
	p.ContextText(context.Background())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSchemaProvider_ErrorIsEmptyAndRetried(t *testing.T) {
	src := &fakeSchema{err: errors.New("db down")}
	p := contextsrc.NewSchemaProvider(src, 0)

	assert.Empty(t, p.ContextText(context.Background()))
	assert.Empty(t, p.ContextText(context.Background()))
	assert.Equal(t, int32(2), src.calls.Load(), "failures are not cached")
}

func TestSchemaProvider_Clips(t *testing.T) {
	p := contextsrc.NewSchemaProvider(&fakeSchema{ddl: strings.Repeat("x", 100)}, 10)
	assert.Equal(t, "Database schema:\n"+strings.Repeat("x", 10), p.ContextText(context.Background()))
}

func TestSemanticProvider_ReadyFileFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_sales.md", "Sales notes")
	writeFile(t, dir, contextsrc.ReadyFile, "Curated tables")
	writeFile(t, dir, "b_empty.md", "   ")
	writeFile(t, dir, "ignored.txt", "not markdown")

	p := contextsrc.NewSemanticProvider(dir, 0)
	text := p.ContextText(context.Background())

	assert.Equal(t, "# Source: ready_files.md\nCurated tables\n\n# Source: a_sales.md\nSales notes", text)
	assert.NotContains(t, text, "not markdown")
}

func TestSemanticProvider_LimitAndMissingDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc.md", strings.Repeat("d", 500))

	text := contextsrc.NewSemanticProvider(dir, 50).ContextText(context.Background())
	assert.Len(t, []rune(text), 50)

	assert.Empty(t, contextsrc.NewSemanticProvider("", 50).ContextText(context.Background()))
	assert.Empty(t, contextsrc.NewSemanticProvider(filepath.Join(dir, "missing"), 50).ContextText(context.Background()))
}

const manifestJSON = `{
  "nodes": {
    "model.shop.orders": {
      "name": "orders",
      "resource_type": "model",
      "database": "analytics",
      "schema": "mart",
      "description": "One row per order.",
      "columns": {
        "id": {"name": "id", "description": "Order key"},
        "total": {"name": "total", "description": ""}
      },
      "depends_on": {"nodes": ["source.shop.raw.raw_orders"]}
    },
    "test.shop.not_null_orders_id": {
      "name": "not_null_orders_id",
      "resource_type": "test"
    }
  },
  "sources": {
    "source.shop.raw.raw_orders": {
      "name": "raw_orders",
      "resource_type": "source",
      "schema": "raw",
      "columns": {}
    }
  }
}`

const catalogJSON = `{
  "nodes": {
    "model.shop.orders": {
      "columns": {"total": {"comment": "Gross amount in EUR"}}
    }
  }
}`

func TestDbtProvider(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "manifest.json", manifestJSON)
	catalog := writeFile(t, dir, "catalog.json", catalogJSON)

	p := contextsrc.NewDbtProvider(manifest, catalog, "sqlite", 0)
	text := p.ContextText(context.Background())

	assert.Contains(t, text, "Table: analytics.mart.orders")
	assert.Contains(t, text, "  Description: One row per order.")
	assert.Contains(t, text, "    - id: Order key")
	assert.Contains(t, text, "    - total: Gross amount in EUR", "catalog comments fill missing descriptions")
	assert.Contains(t, text, "  Parents: raw_orders")
	assert.Contains(t, text, "Table: raw.raw_orders")
	assert.Contains(t, text, "  Children: orders")
	assert.NotContains(t, text, "not_null_orders_id", "tests are not documented tables")
}

func TestDbtProvider_OracleUppercases(t *testing.T) {
	manifest := writeFile(t, t.TempDir(), "manifest.json", manifestJSON)
	text := contextsrc.NewDbtProvider(manifest, "", "Oracle", 0).ContextText(context.Background())
	assert.Contains(t, text, "Table: ANALYTICS.MART.ORDERS")
	assert.Contains(t, text, "    - ID: Order key")
}

func TestDbtProvider_MissingOrBrokenManifest(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, contextsrc.NewDbtProvider(filepath.Join(dir, "nope.json"), "", "sqlite", 0).ContextText(context.Background()))

	broken := writeFile(t, dir, "broken.json", "{not json")
	assert.Empty(t, contextsrc.NewDbtProvider(broken, "", "sqlite", 0).ContextText(context.Background()))

	assert.Empty(t, contextsrc.NewDbtProvider("", "", "sqlite", 0).ContextText(context.Background()))
}

func TestDbtProvider_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	p := contextsrc.NewDbtProvider(path, "", "sqlite", 0)
	assert.Empty(t, p.Nodes(context.Background()))

	writeFile(t, dir, "manifest.json", manifestJSON)
	assert.Empty(t, p.Nodes(context.Background()), "artifacts are cached until Reload")

	p.Reload()
	assert.Len(t, p.Nodes(context.Background()), 3)
}

func TestMetadataProvider(t *testing.T) {
	path := writeFile(t, t.TempDir(), "semantic_model.yaml", `
entities:
  - name: order
    table: orders
    description: Customer purchases
    columns:
      - name: total
        description: Gross amount
      - name: id
relationships:
  - from: orders.customer_id
    to: customers.id
    type: many_to_one
metrics:
  - name: revenue
    expression: SUM(orders.total)
    description: Gross revenue
`)

	text := contextsrc.NewMetadataProvider(path).ContextText(context.Background())

	assert.Equal(t, strings.Join([]string{
		"Business glossary:",
		"Entity order (table orders): Customer purchases",
		"  - total: Gross amount",
		"Join: orders.customer_id many_to_one customers.id",
		"Metric revenue = SUM(orders.total) (Gross revenue)",
	}, "\n"), text)
}

func TestMetadataProvider_BestEffort(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, contextsrc.NewMetadataProvider("").ContextText(context.Background()))
	assert.Empty(t, contextsrc.NewMetadataProvider(filepath.Join(dir, "missing.yaml")).ContextText(context.Background()))

	bad := writeFile(t, dir, "bad.yaml", "entities: [unclosed")
	assert.Empty(t, contextsrc.NewMetadataProvider(bad).ContextText(context.Background()))

	_, err := contextsrc.LoadSemanticModel(bad)
	assert.Error(t, err)
}
