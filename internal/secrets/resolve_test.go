// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package secrets_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/sqlwarden/sqlwarden/internal/secrets"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{"valid", "keyring://sqlwarden/llm-api-key", "sqlwarden", "llm-api-key", false},
		{"slashes in key", "keyring://sqlwarden/db/prod/dsn", "sqlwarden", "db/prod/dsn", false},
		{"other scheme", "vault://secret/key", "", "", true},
		{"missing key", "keyring://sqlwarden/", "", "", true},
		{"missing service", "keyring:///key", "", "", true},
		{"no path", "keyring://sqlwarden", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, key, err := secrets.ParseURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSecretInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, svc)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestURI(t *testing.T) {
	uri := secrets.URI(secrets.KeyLLMAPIKey)
	assert.Equal(t, "keyring://sqlwarden/llm-api-key", uri)
	assert.True(t, secrets.IsURI(uri))
	assert.False(t, secrets.IsURI("${OPENAI_API_KEY}"))
}

func TestResolve(t *testing.T) {
	s := secrets.NewMemoryStore()
	require.NoError(t, s.Store(secrets.Service, secrets.KeyLLMAPIKey, "sk-secret"))

	val, err := secrets.Resolve(s, secrets.URI(secrets.KeyLLMAPIKey))
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", val)

	val, err = secrets.Resolve(s, "sk-literal")
	require.NoError(t, err)
	assert.Equal(t, "sk-literal", val)

	_, err = secrets.Resolve(s, secrets.URI("missing"))
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeSecretResolveFailure))
}

func TestResolveViper(t *testing.T) {
	s := secrets.NewMemoryStore()
	require.NoError(t, s.Store(secrets.Service, secrets.KeyLLMAPIKey, "sk-secret"))
	require.NoError(t, s.Store(secrets.Service, secrets.KeyDatabaseDSN, "file:app.db"))

	v := viper.New()
	v.Set("llm.api_key", secrets.URI(secrets.KeyLLMAPIKey))
	v.Set("database.dsn", secrets.URI(secrets.KeyDatabaseDSN))
	v.Set("cache.redis_url", secrets.URI(secrets.KeyRedisURL))
	v.Set("server.listen", "127.0.0.1:8000")

	unresolved := secrets.ResolveViper(v, s)

	assert.Equal(t, []string{"cache.redis_url"}, unresolved)
	assert.Equal(t, "sk-secret", v.GetString("llm.api_key"))
	assert.Equal(t, "file:app.db", v.GetString("database.dsn"))
	assert.Equal(t, secrets.URI(secrets.KeyRedisURL), v.GetString("cache.redis_url"), "unresolved references are kept")
	assert.Equal(t, "127.0.0.1:8000", v.GetString("server.listen"))
}
