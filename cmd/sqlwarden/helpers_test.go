// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/sqlwarden/sqlwarden/internal/config"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/secrets"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/require"
)

// runCmd executes the root command with args against an isolated home
// directory and returns everything written to stdout and stderr.
func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(viper.Reset)

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// withSecretStore swaps the secret store for the duration of the test.
func withSecretStore(t *testing.T, store secrets.Store) {
	t.Helper()
	orig := secretStoreFactory
	secretStoreFactory = func() secrets.Store { return store }
	t.Cleanup(func() { secretStoreFactory = orig })
}

// withProvider makes WireApp and the init wizard use p instead of a real
// model client.
func withProvider(t *testing.T, p provider.Provider) {
	t.Helper()
	orig := providerFactory
	providerFactory = func(context.Context, config.LLMConfig) (provider.Provider, error) { return p, nil }
	t.Cleanup(func() { providerFactory = orig })
}

// scriptedProvider replays one response per Chat call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []provider.Response
	err       error
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Close() error { return nil }

func (p *scriptedProvider) Chat(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	resp := provider.Response{Content: "no more scripted replies"}
	if p.calls < len(p.responses) {
		resp = p.responses[p.calls]
	}
	p.calls++

	ch := make(chan provider.ChatEvent, len(resp.ToolCalls)+3)
	if resp.Content != "" {
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &resp.ToolCalls[i]}
	}
	ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 12, OutputTokens: 4}}
	close(ch)
	return ch, nil
}

// seedDatabase creates a sqlite file with an orders table holding n rows.
func seedDatabase(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, total REAL)`)
	require.NoError(t, err)
	for i := range n {
		_, err = db.Exec(`INSERT INTO orders (total) VALUES (?)`, float64(i+1)*10)
		require.NoError(t, err)
	}
	return path
}

// testConfig returns a valid configuration over the sqlite file at dsn.
func testConfig(t *testing.T, dsn string) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("server.listen", "127.0.0.1:0")
	v.Set("database.dsn", dsn)
	v.Set("llm.max_retries", 0)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return cfg
}

// writeConfigFile writes a minimal sqlwarden.yaml pointing at dsn.
func writeConfigFile(t *testing.T, dsn string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlwarden.yaml")
	body := "database:\n  provider: sqlite\n  dsn: \"" + dsn + "\"\nguard:\n  allow_list_refresh: \"\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// mockSecretStore is an in-memory secrets.Store for testing.
type mockSecretStore struct {
	data map[string]string
}

func newMockSecretStore(keys ...string) *mockSecretStore {
	m := &mockSecretStore{data: make(map[string]string)}
	for _, k := range keys {
		m.data[k] = "redacted-value"
	}
	return m
}

func (m *mockSecretStore) Store(_, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *mockSecretStore) Retrieve(_, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", wardenerr.Errorf(wardenerr.CodeSecretNotFound, "not found")
	}
	return v, nil
}

func (m *mockSecretStore) Delete(_, key string) error {
	if _, ok := m.data[key]; !ok {
		return wardenerr.Errorf(wardenerr.CodeSecretNotFound, "not found")
	}
	delete(m.data, key)
	return nil
}

func (m *mockSecretStore) List(string) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}
