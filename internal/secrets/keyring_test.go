// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package secrets_test

import (
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/secrets"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func init() {
	// Never touch the developer's real keyring.
	keyring.MockInit()
}

// stores runs the same contract against both Store implementations.
func stores() map[string]func() secrets.Store {
	return map[string]func() secrets.Store{
		"keyring": func() secrets.Store { return secrets.NewKeyringStore() },
		"memory":  func() secrets.Store { return secrets.NewMemoryStore() },
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			svc := "roundtrip-" + name

			require.NoError(t, s.Store(svc, secrets.KeyLLMAPIKey, "sk-old"))
			require.NoError(t, s.Store(svc, secrets.KeyLLMAPIKey, "sk-new"))
			require.NoError(t, s.Store(svc, secrets.KeyDatabaseDSN, "postgres://u:p@db/app"))

			val, err := s.Retrieve(svc, secrets.KeyLLMAPIKey)
			require.NoError(t, err)
			assert.Equal(t, "sk-new", val)

			keys, err := s.List(svc)
			require.NoError(t, err)
			assert.Equal(t, []string{secrets.KeyDatabaseDSN, secrets.KeyLLMAPIKey}, keys, "sorted, without duplicates")

			require.NoError(t, s.Delete(svc, secrets.KeyLLMAPIKey))
			_, err = s.Retrieve(svc, secrets.KeyLLMAPIKey)
			assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSecretNotFound))

			keys, err = s.List(svc)
			require.NoError(t, err)
			assert.Equal(t, []string{secrets.KeyDatabaseDSN}, keys)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			s := newStore()

			_, err := s.Retrieve("no-such-service", "no-key")
			assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSecretNotFound), "got %v", err)

			err = s.Delete("no-such-service", "no-key")
			assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSecretNotFound), "got %v", err)

			keys, err := s.List("no-such-service")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStore_InvalidReference(t *testing.T) {
	tests := []struct {
		name    string
		service string
		key     string
	}{
		{"empty service", "", "key"},
		{"empty key", "svc", ""},
	}

	for name, newStore := range stores() {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := newStore().Store(tt.service, tt.key, "value")
				require.Error(t, err)
				assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSecretInvalidInput))
			})
		}
	}
}

func TestKeyringStore_ServicesAreIsolated(t *testing.T) {
	ks := secrets.NewKeyringStore()

	require.NoError(t, ks.Store("svc-a", "shared", "value-a"))
	require.NoError(t, ks.Store("svc-b", "shared", "value-b"))

	val, err := ks.Retrieve("svc-a", "shared")
	require.NoError(t, err)
	assert.Equal(t, "value-a", val)

	keys, err := ks.List("svc-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, keys)
}
