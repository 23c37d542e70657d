// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/budget"
	"github.com/sqlwarden/sqlwarden/internal/pipeline"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/retry"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	"github.com/sqlwarden/sqlwarden/internal/sqlrunner"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays one response per Chat call and records every
// request it receives.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []provider.Response
	requests  []provider.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Close() error { return nil }

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req.Clone())
	resp := provider.Response{Content: "no more scripted replies"}
	if n < len(p.responses) {
		resp = p.responses[n]
	}
	p.mu.Unlock()

	ch := make(chan provider.ChatEvent, len(resp.ToolCalls)+3)
	if resp.Content != "" {
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &resp.ToolCalls[i]}
	}
	ch <- provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

func sqlCall(id, sql string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: agent.ToolRunSQL, Arguments: `{"sql":"` + sql + `"}`}
}

type fakeExecutor struct {
	mu      sync.Mutex
	result  *sqlrunner.Result
	err     error
	queries []string
}

func (f *fakeExecutor) Provider() string { return "sqlite" }

func (f *fakeExecutor) Execute(_ context.Context, sql string) (*sqlrunner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type staticCatalog []string

func (c staticCatalog) ListTables(context.Context) ([]string, error) { return c, nil }

type memAuditor struct {
	mu      sync.Mutex
	entries []*agent.AuditEntry
}

func (a *memAuditor) Append(_ context.Context, e *agent.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action+":"+e.Result)
	}
	return out
}

func testBreaker(t *testing.T, name string) *breaker.Breaker {
	t.Helper()
	b, err := breaker.New(name, breaker.Config{FailureThreshold: 3, ResetTimeout: time.Hour, HalfOpenSuccessThreshold: 1})
	require.NoError(t, err)
	return b
}

func ordersResult() *sqlrunner.Result {
	return &sqlrunner.Result{Columns: []string{"n"}, Rows: [][]any{{int64(42)}}}
}

type harness struct {
	loop     *agent.Loop
	pipeline *pipeline.Pipeline
	tools    *agent.ToolDispatcher
	provider *scriptedProvider
	executor *fakeExecutor
	auditor  *memAuditor
	sessions *agent.SessionManager
}

func newHarness(t *testing.T, responses ...provider.Response) *harness {
	t.Helper()
	h := &harness{
		provider: &scriptedProvider{responses: responses},
		executor: &fakeExecutor{result: ordersResult()},
		auditor:  &memAuditor{},
		sessions: agent.NewSessionManager(10, 20),
	}

	allowList := sqlguard.NewAllowList(staticCatalog{"orders", "customers"}, sqlguard.FailClosed)
	var err error
	h.pipeline, err = pipeline.New(pipeline.Config{
		Provider: h.provider,
		Breaker:  testBreaker(t, breaker.ResourceLLM),
		Retry:    retry.Policy{Timeout: time.Second},
		Budgeter: budget.New(20000, false),
		Guidance: allowList,
	})
	require.NoError(t, err)

	registry, err := agent.DefaultToolRegistry()
	require.NoError(t, err)
	h.tools, err = agent.NewToolDispatcher(agent.ToolDispatcherConfig{
		Registry: registry,
		Guard:    sqlguard.NewGuard(sqlguard.NewValidator("sqlite", nil, nil), allowList),
		Runner:   h.executor,
		Breaker:  testBreaker(t, breaker.ResourceDatabase),
		Retry:    retry.Policy{Timeout: time.Second},
		Auditor:  h.auditor,
	})
	require.NoError(t, err)

	h.loop, err = agent.NewLoop(agent.LoopConfig{
		Pipeline: h.pipeline,
		Tools:    h.tools,
		Sessions: h.sessions,
		Auditor:  h.auditor,
		Model:    "test-model",
	})
	require.NoError(t, err)
	return h
}

func ask(content string) agent.InboundMessage {
	return agent.InboundMessage{
		ConversationID: "conv-1",
		User:           agent.ResolveUser("ada@example.com"),
		Content:        content,
	}
}
