// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/server"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	"github.com/stretchr/testify/require"
)

// fakeAgent records inbound messages and replies with a canned answer.
type fakeAgent struct {
	mu    sync.Mutex
	reply *agent.OutboundMessage
	err   error
	got   []agent.InboundMessage
}

func (f *fakeAgent) ProcessMessage(_ context.Context, msg agent.InboundMessage) (*agent.OutboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.reply
	out.ConversationID = msg.ConversationID
	out.RequestID = msg.RequestID
	return &out, nil
}

func (f *fakeAgent) messages() []agent.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.InboundMessage(nil), f.got...)
}

type staticCatalog []string

func (c staticCatalog) ListTables(context.Context) ([]string, error) { return c, nil }

func testGuard() *sqlguard.Guard {
	return sqlguard.NewGuard(
		sqlguard.NewValidator("sqlite", nil, nil),
		sqlguard.NewAllowList(staticCatalog{"orders", "customers"}, sqlguard.FailClosed),
	)
}

func newTestServer(t *testing.T, svc *server.Services) *server.Server {
	t.Helper()
	return newConfiguredServer(t, server.Config{ListenAddr: "127.0.0.1:0"}, svc)
}

func newConfiguredServer(t *testing.T, cfg server.Config, svc *server.Services) *server.Server {
	t.Helper()
	srv, err := server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv
}

func do(t *testing.T, srv *server.Server, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
