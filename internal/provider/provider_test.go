// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package provider_test

import (
	"context"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/provider"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider replays a fixed event sequence.
type mockProvider struct {
	name   string
	events []provider.ChatEvent
	closed bool
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Chat(_ context.Context, _ provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *mockProvider) Close() error {
	m.closed = true
	return nil
}

func stream(events ...provider.ChatEvent) <-chan provider.ChatEvent {
	ch := make(chan provider.ChatEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("text and usage", func(t *testing.T) {
		resp, err := provider.Collect(ctx, "mock", stream(
			provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "hel"},
			provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "lo "},
			provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10}},
			provider.ChatEvent{Type: provider.EventTypeUsage, Usage: &provider.Usage{OutputTokens: 5}},
			provider.ChatEvent{Type: provider.EventTypeDone},
		))
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Content)
		assert.Equal(t, provider.Usage{InputTokens: 10, OutputTokens: 5}, resp.Usage)
	})

	t.Run("tool calls", func(t *testing.T) {
		resp, err := provider.Collect(ctx, "mock", stream(
			provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &provider.ToolCall{ID: "1", Name: "run_sql", Arguments: "{}"}},
		))
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)

		msg := resp.Message()
		assert.Equal(t, provider.MessageRoleAssistant, msg.Role)
		assert.Len(t, msg.ToolCalls, 1)
	})

	t.Run("error event is an upstream failure", func(t *testing.T) {
		_, err := provider.Collect(ctx, "mock", stream(
			provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: "partial"},
			provider.ChatEvent{Type: provider.EventTypeError, Error: "connection reset"},
		))
		require.Error(t, err)
		assert.True(t, wardenerr.IsUpstreamFailure(err))
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("empty response is malformed", func(t *testing.T) {
		_, err := provider.Collect(ctx, "mock", stream(provider.ChatEvent{Type: provider.EventTypeDone}))
		require.Error(t, err)
		assert.True(t, wardenerr.HasCode(err, wardenerr.CodeLLMResponseMalformed))
		assert.Equal(t, wardenerr.KindTransport, wardenerr.KindOf(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := provider.Collect(cctx, "mock", make(chan provider.ChatEvent))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestChatRequest_Clone(t *testing.T) {
	req := provider.ChatRequest{
		Model: "m",
		Messages: []provider.Message{
			{Role: provider.MessageRoleUser, Content: "a"},
			{Role: provider.MessageRoleAssistant, ToolCalls: []provider.ToolCall{{ID: "1"}}},
		},
	}
	cp := req.Clone()
	cp.Messages[0].Content = "changed"
	cp.Messages[1].ToolCalls[0].ID = "2"

	assert.Equal(t, "a", req.Messages[0].Content)
	assert.Equal(t, "1", req.Messages[1].ToolCalls[0].ID)
}

func TestChatRequest_LastUserMessage(t *testing.T) {
	assert.Equal(t, -1, provider.ChatRequest{}.LastUserMessage())
	assert.Equal(t, 1, provider.ChatRequest{Messages: []provider.Message{
		{Role: provider.MessageRoleSystem}, {Role: provider.MessageRoleUser},
	}}.LastUserMessage())
	assert.Equal(t, -1, provider.ChatRequest{Messages: []provider.Message{
		{Role: provider.MessageRoleUser}, {Role: provider.MessageRoleAssistant},
	}}.LastUserMessage())
}
