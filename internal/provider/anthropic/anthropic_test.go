// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package anthropic_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/provider/anthropic"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ provider.Provider = (*anthropic.Provider)(nil)

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := anthropic.New(anthropic.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeLLMRequestInvalid))
}

func TestBuildParams(t *testing.T) {
	params, err := anthropic.BuildParams(provider.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []provider.Message{
			{Role: provider.MessageRoleSystem, Content: "You write SQL."},
			{Role: provider.MessageRoleSystem, Content: "Schema: orders(id)"},
			{Role: provider.MessageRoleUser, Content: "count orders"},
			{Role: provider.MessageRoleAssistant, ToolCalls: []provider.ToolCall{{ID: "t1", Name: "run_sql", Arguments: `{"sql":"SELECT COUNT(*) FROM orders"}`}}},
			{Role: provider.MessageRoleTool, ToolCallID: "t1", Content: "3"},
		},
		Tools: []provider.ToolDefinition{{
			Name: "run_sql",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"sql": map[string]any{"type": "string"}},
				"required":   []string{"sql"},
			},
		}},
	})
	require.NoError(t, err)

	require.Len(t, params.System, 1)
	assert.Equal(t, "You write SQL.\n\nSchema: orders(id)", params.System[0].Text)
	assert.Len(t, params.Messages, 3, "system messages are lifted out of the message list")
	assert.Equal(t, int64(1024), params.MaxTokens)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, []string{"sql"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestChat_Stream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude","content":[],"usage":{"input_tokens":20,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Three orders."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			var typ struct{ Type string }
			_ = json.Unmarshal([]byte(e), &typ)
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ.Type, e)
		}
	}))
	t.Cleanup(srv.Close)

	p, err := anthropic.New(anthropic.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	ctx := context.Background()
	ch, err := p.Chat(ctx, provider.ChatRequest{Model: "claude", Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}}})
	require.NoError(t, err)

	resp, err := provider.Collect(ctx, p.Name(), ch)
	require.NoError(t, err)
	assert.Equal(t, "Three orders.", resp.Content)
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}
