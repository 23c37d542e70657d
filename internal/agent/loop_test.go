// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastMessage(req provider.ChatRequest) provider.Message {
	return req.Messages[len(req.Messages)-1]
}

func TestAgentLoop_DirectAnswer(t *testing.T) {
	h := newHarness(t, provider.Response{Content: "Hello! Ask me about your data."})

	out, err := h.loop.ProcessMessage(context.Background(), ask("hi"))
	require.NoError(t, err)

	assert.Equal(t, "Hello! Ask me about your data.", out.Content)
	assert.Equal(t, "conv-1", out.ConversationID)
	assert.NotEmpty(t, out.RequestID)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 10, out.Usage.InputTokens)
	assert.Empty(t, h.executor.executed())

	calls := h.provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test-model", calls[0].Model)
	assert.Equal(t, provider.MessageRoleSystem, calls[0].Messages[0].Role)
	assert.True(t, strings.HasPrefix(calls[0].Messages[0].Content, "User:ada@example.com\nTimezone:UTC"))
	assert.Len(t, calls[0].Tools, 2)
	assert.Contains(t, lastMessage(calls[0]).Content, "Allowed tables: customers, orders.")
}

func TestAgentLoop_RunsSQLTool(t *testing.T) {
	h := newHarness(t,
		provider.Response{ToolCalls: []provider.ToolCall{sqlCall("call-1", "SELECT COUNT(*) AS n FROM orders;")}},
		provider.Response{Content: "There are 42 orders."},
	)

	out, err := h.loop.ProcessMessage(context.Background(), ask("how many orders?"))
	require.NoError(t, err)

	assert.Equal(t, "There are 42 orders.", out.Content)
	assert.Equal(t, "SELECT COUNT(*) AS n FROM orders", out.SQL)
	require.NotNil(t, out.Result)
	assert.Equal(t, []string{"SELECT COUNT(*) AS n FROM orders"}, h.executor.executed())
	assert.Equal(t, 20, out.Usage.InputTokens, "usage accumulates across dispatches")

	calls := h.provider.calls()
	require.Len(t, calls, 2)
	followUp := calls[1]
	tool := lastMessage(followUp)
	assert.Equal(t, provider.MessageRoleTool, tool.Role)
	assert.Equal(t, "call-1", tool.ToolCallID)
	assert.Contains(t, tool.Content, "42")

	assistant := followUp.Messages[len(followUp.Messages)-2]
	assert.Equal(t, provider.MessageRoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)

	user := followUp.Messages[len(followUp.Messages)-3]
	assert.Contains(t, user.Content, "how many orders?")
	assert.Contains(t, user.Content, "Allowed tables", "injected context is kept for follow-up calls")
}

func TestAgentLoop_GuardRejectionsBecomeToolResults(t *testing.T) {
	tests := []struct {
		name       string
		sql        string
		wantResult string
		wantCode   wardenerr.Code
	}{
		{
			name:       "table outside allow-list",
			sql:        "SELECT * FROM shadow_table",
			wantResult: "SQL blocked: referenced tables not allowed (shadow_table)",
			wantCode:   wardenerr.CodeSQLAllowListInvalid,
		},
		{
			name:       "destructive statement",
			sql:        "DROP TABLE orders",
			wantResult: "SQL blocked:",
			wantCode:   wardenerr.CodeSQLValidateInvalid,
		},
		{
			name:       "stacked statements",
			sql:        "SELECT 1; SELECT 2",
			wantResult: "SQL blocked:",
			wantCode:   wardenerr.CodeSQLValidateInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t,
				provider.Response{ToolCalls: []provider.ToolCall{sqlCall("c1", tt.sql)}},
				provider.Response{Content: "I cannot run that query."},
			)

			out, err := h.loop.ProcessMessage(context.Background(), ask("show me everything"))
			require.NoError(t, err, "guard rejections never escape as errors")

			assert.Equal(t, "I cannot run that query.", out.Content)
			assert.Empty(t, h.executor.executed())
			require.Len(t, out.Blocked, 1)
			assert.Equal(t, tt.wantCode, out.Blocked[0].Code)

			calls := h.provider.calls()
			require.Len(t, calls, 2)
			assert.True(t, strings.HasPrefix(lastMessage(calls[1]).Content, tt.wantResult), lastMessage(calls[1]).Content)
			assert.Contains(t, h.auditor.actions(), "tool_dispatch:blocked")
		})
	}
}

func TestAgentLoop_InvalidToolArguments(t *testing.T) {
	h := newHarness(t,
		provider.Response{ToolCalls: []provider.ToolCall{{ID: "c1", Name: agent.ToolRunSQL, Arguments: `{"query":"SELECT 1"}`}}},
		provider.Response{Content: "Sorry."},
	)

	_, err := h.loop.ProcessMessage(context.Background(), ask("q"))
	require.NoError(t, err)

	calls := h.provider.calls()
	require.Len(t, calls, 2)
	content := lastMessage(calls[1]).Content
	assert.True(t, strings.HasPrefix(content, "error: "), content)
	assert.Contains(t, content, "invalid arguments")
	assert.Empty(t, h.executor.executed())
}

func TestAgentLoop_DatabaseFailureIsGeneric(t *testing.T) {
	h := newHarness(t,
		provider.Response{ToolCalls: []provider.ToolCall{sqlCall("c1", "SELECT * FROM orders")}},
		provider.Response{Content: "The database is unavailable."},
	)
	h.executor.err = wardenerr.New(wardenerr.CodeSQLUpstreamFailure, "dial tcp 10.0.0.5:1521: connection refused")

	out, err := h.loop.ProcessMessage(context.Background(), ask("q"))
	require.NoError(t, err)
	assert.Nil(t, out.Result)

	content := lastMessage(h.provider.calls()[1]).Content
	assert.True(t, strings.HasPrefix(content, "error: "+wardenerr.MessageUnavailable), content)
	assert.NotContains(t, content, "10.0.0.5", "internal detail stays in the logs")
}

func TestAgentLoop_ToolLoopIsBounded(t *testing.T) {
	call := provider.Response{ToolCalls: []provider.ToolCall{sqlCall("c", "SELECT * FROM orders")}}
	h := newHarness(t, call, call, call, call, call)

	_, err := h.loop.ProcessMessage(context.Background(), ask("loop forever"))
	require.NoError(t, err)

	assert.Len(t, h.provider.calls(), 4, "initial call plus three iterations")
	assert.Len(t, h.executor.executed(), 3)
}

func TestAgentLoop_HelpSkipsLLM(t *testing.T) {
	h := newHarness(t)

	out, err := h.loop.ProcessMessage(context.Background(), ask("/help"))
	require.NoError(t, err)

	assert.True(t, out.Workflow)
	assert.True(t, strings.HasPrefix(out.Content, "# Help Commands"))
	assert.Empty(t, h.provider.calls())
	assert.Equal(t, []string{"agent_loop.message:workflow"}, h.auditor.actions())
}

func TestAgentLoop_RemembersConversation(t *testing.T) {
	h := newHarness(t,
		provider.Response{Content: "first answer"},
		provider.Response{Content: "second answer"},
	)

	_, err := h.loop.ProcessMessage(context.Background(), ask("first question"))
	require.NoError(t, err)
	_, err = h.loop.ProcessMessage(context.Background(), ask("second question"))
	require.NoError(t, err)

	second := h.provider.calls()[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, "first question", second.Messages[1].Content, "history holds the question without injected context")
	assert.Equal(t, "first answer", second.Messages[2].Content)

	other := ask("third")
	other.User = agent.ResolveUser("grace@example.com")
	assert.Empty(t, h.sessions.History("conv-1", other.User.ID), "conversations are per user")
}

func TestAgentLoop_ValidateInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.loop.ProcessMessage(context.Background(), agent.InboundMessage{ConversationID: "c"})
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeAgentLoopInvalidInput))
	assert.Contains(t, err.Error(), "User, Content")
	assert.Empty(t, h.provider.calls())
}

func TestAgentLoop_StepsExecuteInOrder(t *testing.T) {
	var mu sync.Mutex
	var steps []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			steps = append(steps, name)
		}
	}

	h := newHarness(t,
		provider.Response{ToolCalls: []provider.ToolCall{sqlCall("c1", "SELECT * FROM orders")}},
		provider.Response{Content: "done"},
	)
	loop, err := agent.NewLoop(agent.LoopConfig{
		Pipeline: h.pipeline,
		Tools:    h.tools,
		Hooks: &agent.LoopHooks{
			OnReceive:  record("receive"),
			OnPrepare:  record("prepare"),
			OnCallLLM:  record("call_llm"),
			OnToolCall: record("tool_call"),
			OnRespond:  record("respond"),
			OnAudit:    record("audit"),
		},
	})
	require.NoError(t, err)

	_, err = loop.ProcessMessage(context.Background(), ask("q"))
	require.NoError(t, err)
	assert.Equal(t, []string{"receive", "prepare", "call_llm", "tool_call", "respond", "audit"}, steps)
}

func TestNewLoop_RequiresPipeline(t *testing.T) {
	_, err := agent.NewLoop(agent.LoopConfig{})
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeAgentLoopInvalidInput))
}
