// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlguard_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	tables []string
	err    error
	calls  atomic.Int32
}

func (f *fakeCatalog) ListTables(context.Context) ([]string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.tables, nil
}

func TestExtractTables(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single", "SELECT * FROM orders", []string{"orders"}},
		{"join", "SELECT * FROM orders o JOIN customers c ON o.cid = c.id", []string{"customers", "orders"}},
		{"schema qualified", "SELECT * FROM sales.Orders", []string{"orders"}},
		{"double quoted", `SELECT * FROM "Orders"`, []string{"orders"}},
		{"backticks", "SELECT * FROM `orders`", []string{"orders"}},
		{"brackets", "SELECT * FROM [dbo].[Orders]", []string{"orders"}},
		{"comma list", "SELECT * FROM orders, customers", []string{"customers", "orders"}},
		{"comma list with aliases", "SELECT * FROM orders o, shadow_table s", []string{"orders", "shadow_table"}},
		{"comma list with as alias", "SELECT * FROM orders AS o, shadow_table", []string{"orders", "shadow_table"}},
		{"comma list before where", "SELECT * FROM orders o, customers c WHERE o.cid = c.id GROUP BY c.id", []string{"customers", "orders"}},
		{"left join", "SELECT * FROM orders o LEFT JOIN customers c ON o.cid = c.id", []string{"customers", "orders"}},
		{"dedup", "SELECT * FROM orders JOIN orders ON 1", []string{"orders"}},
		{"subquery", "SELECT * FROM (SELECT id FROM items) x", []string{"items"}},
		{"no tables", "SELECT 1", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlguard.ExtractTables(tt.sql))
		})
	}
}

func TestAllowList_Check(t *testing.T) {
	ctx := context.Background()
	al := sqlguard.NewAllowList(&fakeCatalog{tables: []string{"Orders", "customers"}}, sqlguard.FailClosed)

	assert.Nil(t, al.Check(ctx, "SELECT * FROM orders"))
	assert.Nil(t, al.Check(ctx, "SELECT 1"))

	rej := al.Check(ctx, "SELECT * FROM shadow_table")
	require.NotNil(t, rej)
	assert.Equal(t, []string{"shadow_table"}, rej.InvalidTables)
	assert.Equal(t, sqlguard.ReasonTablesNotAllowed, rej.Reason)
	assert.Equal(t, "SQL blocked: referenced tables not allowed (shadow_table)", rej.Message())
	assert.Equal(t, wardenerr.KindValidation, rej.Kind)

	for _, sql := range []string{
		"SELECT * FROM orders o, shadow_table s",
		"SELECT * FROM orders AS o, shadow_table",
	} {
		rej := al.Check(ctx, sql)
		require.NotNil(t, rej, sql)
		assert.Equal(t, []string{"shadow_table"}, rej.InvalidTables, sql)
	}
}

func TestAllowList_MemoisesLookup(t *testing.T) {
	ctx := context.Background()
	cat := &fakeCatalog{tables: []string{"orders"}}
	al := sqlguard.NewAllowList(cat, sqlguard.FailClosed)

	for range 5 {
		al.Check(ctx, "SELECT * FROM orders")
	}
	assert.Equal(t, int32(1), cat.calls.Load())

	al.Invalidate()
	cat.tables = []string{"orders", "shadow_table"}
	assert.Nil(t, al.Check(ctx, "SELECT * FROM shadow_table"))
	assert.Equal(t, int32(2), cat.calls.Load())
}

func TestAllowList_LookupFailurePolicy(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("catalog unreachable")

	t.Run("fail closed rejects", func(t *testing.T) {
		al := sqlguard.NewAllowList(&fakeCatalog{err: boom}, sqlguard.FailClosed)
		rej := al.Check(ctx, "SELECT * FROM orders")
		require.NotNil(t, rej)
		assert.Equal(t, sqlguard.ReasonUnavailable, rej.Reason)
		assert.Empty(t, rej.InvalidTables)
	})

	t.Run("fail open disables the check", func(t *testing.T) {
		al := sqlguard.NewAllowList(&fakeCatalog{err: boom}, sqlguard.FailOpen)
		assert.Nil(t, al.Check(ctx, "SELECT * FROM anything"))
	})

	t.Run("failure is retried on the next call", func(t *testing.T) {
		cat := &fakeCatalog{err: boom}
		al := sqlguard.NewAllowList(cat, sqlguard.FailClosed)
		al.Check(ctx, "SELECT * FROM orders")

		cat.err = nil
		cat.tables = []string{"orders"}
		assert.Nil(t, al.Check(ctx, "SELECT * FROM orders"))
		assert.Equal(t, int32(2), cat.calls.Load())
	})

	t.Run("unknown policy is fail closed", func(t *testing.T) {
		al := sqlguard.NewAllowList(&fakeCatalog{err: boom}, "maybe")
		assert.Equal(t, sqlguard.FailClosed, al.Policy())
	})
}

func TestAllowList_Reload(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("catalog unreachable")

	tests := []struct {
		name        string
		reloadErr   error
		wantOK      bool
		wantTables  []string
		wantReloads int
	}{
		{"success swaps the set", nil, true, []string{"orders", "shadow_table"}, 1},
		{"failure keeps the previous set", boom, false, []string{"orders"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &fakeCatalog{tables: []string{"orders"}}
			al := sqlguard.NewAllowList(cat, sqlguard.FailClosed)
			var reloads int
			al.OnReload(func() { reloads++ })
			require.Nil(t, al.Check(ctx, "SELECT * FROM orders"))

			cat.tables = []string{"orders", "shadow_table"}
			cat.err = tt.reloadErr
			_, ok := al.Reload(ctx)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReloads, reloads)

			cat.err = nil
			got, err := al.Tables(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTables, got)
		})
	}
}

func TestAllowList_ReloadDropsCachedSchema(t *testing.T) {
	ctx := context.Background()
	cat := &fakeCatalog{tables: []string{"orders"}}
	src := &schemaSource{ddl: "CREATE TABLE orders(id INTEGER);"}
	schema := contextsrc.NewSchemaProvider(src, 0)
	al := sqlguard.NewAllowList(cat, sqlguard.FailClosed)
	al.OnReload(schema.Invalidate)

	assert.Contains(t, schema.ContextText(ctx), "orders")

	cat.tables = []string{"orders", "refunds"}
	src.ddl = "CREATE TABLE orders(id INTEGER);\nCREATE TABLE refunds(id INTEGER);"
	assert.NotContains(t, schema.ContextText(ctx), "refunds", "schema text is cached between reloads")

	_, ok := al.Reload(ctx)
	require.True(t, ok)
	assert.Contains(t, schema.ContextText(ctx), "refunds")
	assert.Equal(t, int32(2), src.calls.Load())
}

type schemaSource struct {
	ddl   string
	calls atomic.Int32
}

func (s *schemaSource) SchemaContext(context.Context) (string, error) {
	s.calls.Add(1)
	return s.ddl, nil
}

func TestAllowList_EmptyCatalogDisablesCheck(t *testing.T) {
	al := sqlguard.NewAllowList(&fakeCatalog{tables: nil}, sqlguard.FailClosed)
	assert.Nil(t, al.Check(context.Background(), "SELECT * FROM whatever"))
}

func TestAllowList_Tables(t *testing.T) {
	ctx := context.Background()
	al := sqlguard.NewAllowList(&fakeCatalog{tables: []string{"orders", "Customers", " "}}, sqlguard.FailOpen)

	tables, err := al.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, tables)

	failing := sqlguard.NewAllowList(&fakeCatalog{err: errors.New("down")}, sqlguard.FailOpen)
	_, err = failing.Tables(ctx)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSQLAllowListLookup))
}

func TestAllowList_GuidanceText(t *testing.T) {
	ctx := context.Background()
	al := sqlguard.NewAllowList(&fakeCatalog{tables: []string{"orders", "customers"}}, sqlguard.FailClosed)
	assert.Contains(t, al.GuidanceText(ctx), "Allowed tables: customers, orders.")

	empty := sqlguard.NewAllowList(&fakeCatalog{}, sqlguard.FailClosed)
	assert.Empty(t, empty.GuidanceText(ctx))
}
