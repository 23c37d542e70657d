// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlguard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRefresher_Schedules(t *testing.T) {
	al := sqlguard.NewAllowList(&fakeCatalog{}, sqlguard.FailClosed)

	for _, spec := range []string{"@every 15m", "*/5 * * * *", "@hourly"} {
		r, err := sqlguard.NewRefresher(al, spec)
		require.NoError(t, err, spec)
		assert.Equal(t, 1, r.Entries())
	}

	_, err := sqlguard.NewRefresher(al, "not a valid cron")
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeConfigValidateInvalidValue))
}

func TestRefresher_PicksUpNewTables(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{tables: []string{"orders"}}
	al := sqlguard.NewAllowList(catalog, sqlguard.FailClosed)

	require.NotNil(t, al.Check(ctx, "SELECT * FROM invoices"))

	catalog.tables = []string{"orders", "invoices"}
	require.NotNil(t, al.Check(ctx, "SELECT * FROM invoices"), "memoised until refreshed")

	r, err := sqlguard.NewRefresher(al, "@every 1h")
	require.NoError(t, err)
	r.Refresh()

	assert.Nil(t, al.Check(ctx, "SELECT * FROM invoices"))
	assert.Equal(t, int32(2), catalog.calls.Load())
}

func TestRefresher_FailedReloadKeepsPreviousSet(t *testing.T) {
	for _, policy := range []sqlguard.Policy{sqlguard.FailClosed, sqlguard.FailOpen} {
		t.Run(string(policy), func(t *testing.T) {
			ctx := context.Background()
			catalog := &fakeCatalog{tables: []string{"orders"}}
			al := sqlguard.NewAllowList(catalog, policy)
			_, ok := al.Load(ctx)
			require.True(t, ok)

			var reloads int
			al.OnReload(func() { reloads++ })

			r, err := sqlguard.NewRefresher(al, "@every 1h")
			require.NoError(t, err)

			catalog.err = errors.New("catalog down")
			r.Refresh()

			assert.Nil(t, al.Check(ctx, "SELECT * FROM orders"))
			rej := al.Check(ctx, "SELECT * FROM shadow_table")
			require.NotNil(t, rej, "enforcement stays on after a failed refresh")
			assert.Equal(t, sqlguard.ReasonTablesNotAllowed, rej.Reason)
			assert.Zero(t, reloads)

			catalog.err = nil
			catalog.tables = []string{"orders", "shadow_table"}
			r.Refresh()
			assert.Nil(t, al.Check(ctx, "SELECT * FROM shadow_table"))
			assert.Equal(t, 1, reloads)
		})
	}
}

func TestRefresher_StartStop(t *testing.T) {
	r, err := sqlguard.NewRefresher(sqlguard.NewAllowList(&fakeCatalog{}, sqlguard.FailOpen), "@every 1h")
	require.NoError(t, err)
	r.Start()
	r.Stop()
}
