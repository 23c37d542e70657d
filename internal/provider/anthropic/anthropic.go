// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// defaultMaxTokens is sent when the request sets none; the Messages API
// requires an explicit limit.
const defaultMaxTokens = 1024

// Config holds Anthropic provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Provider implements provider.Provider using the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	config Config
}

// New creates a new Anthropic provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, wardenerr.New(wardenerr.CodeLLMRequestInvalid,
			"anthropic: missing api_key in config", wardenerr.FieldProvider("anthropic"))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{client: anthropicsdk.NewClient(opts...), config: cfg}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeLLMRequestInvalid, "anthropic: building request params")
	}

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()

	return eventCh, nil
}

func (p *Provider) Close() error { return nil }

// buildParams converts a provider.ChatRequest into SDK MessageNewParams.
// System messages are lifted into the top-level system parameter.
func buildParams(req provider.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	msgs, system, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}

	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	if req.Options.Temperature != nil {
		params.Temperature = anthropicsdk.Float(float64(*req.Options.Temperature))
	}

	if len(req.Options.StopSequences) > 0 {
		params.StopSequences = req.Options.StopSequences
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

// convertMessages transforms provider.Message slices into SDK MessageParam
// slices and returns the concatenated system text separately.
func convertMessages(msgs []provider.Message) ([]anthropicsdk.MessageParam, string, error) {
	var (
		result []anthropicsdk.MessageParam
		system []string
	)

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case provider.MessageRoleAssistant:
			var blocks []anthropicsdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropicsdk.NewAssistantMessage(blocks...))
		case provider.MessageRoleTool:
			result = append(result, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case provider.MessageRoleSystem:
			system = append(system, msg.Content)
		default:
			return nil, "", wardenerr.Errorf(wardenerr.CodeLLMRequestInvalid, "anthropic: unsupported message role %q", msg.Role)
		}
	}

	return result, strings.Join(system, "\n\n"), nil
}

// convertTools transforms provider.ToolDefinition slices into SDK tool params.
func convertTools(tools []provider.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: extractSchema(t.InputSchema),
			},
		})
	}
	return result
}

// extractSchema maps a full JSON Schema object into the SDK's
// ToolInputSchemaParam, which takes Properties and Required separately.
func extractSchema(raw map[string]any) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	if props, ok := raw["properties"]; ok {
		schema.Properties = props
	}
	switch req := raw["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		strs := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				strs = append(strs, s)
			}
		}
		schema.Required = strs
	}
	return schema
}

// streamChat runs the streaming loop, converting SDK events into provider.ChatEvent values.
func (p *Provider) streamChat(ctx context.Context, params anthropicsdk.MessageNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	type toolAccum struct {
		id          string
		name        string
		partialJSON string
	}
	toolBlocks := make(map[int64]*toolAccum)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			u := event.Message.Usage
			if u.InputTokens > 0 || u.OutputTokens > 0 {
				ch <- provider.ChatEvent{
					Type: provider.EventTypeUsage,
					Usage: &provider.Usage{
						InputTokens:      int(u.InputTokens),
						OutputTokens:     int(u.OutputTokens),
						CacheReadTokens:  int(u.CacheReadInputTokens),
						CacheWriteTokens: int(u.CacheCreationInputTokens),
					},
				}
			}

		case "content_block_start":
			if cb := event.ContentBlock; cb.Type == "tool_use" {
				toolBlocks[event.Index] = &toolAccum{id: cb.ID, name: cb.Name}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: event.Delta.Text}
			case "input_json_delta":
				if acc, ok := toolBlocks[event.Index]; ok {
					acc.partialJSON += event.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if acc, ok := toolBlocks[event.Index]; ok {
				args := acc.partialJSON
				if !json.Valid([]byte(args)) {
					args = "{}"
				}
				ch <- provider.ChatEvent{
					Type:     provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{ID: acc.id, Name: acc.name, Arguments: args},
				}
				delete(toolBlocks, event.Index)
			}

		case "message_delta":
			ch <- provider.ChatEvent{
				Type:  provider.EventTypeUsage,
				Usage: &provider.Usage{OutputTokens: int(event.Usage.OutputTokens)},
			}

		case "message_stop":
			ch <- provider.ChatEvent{Type: provider.EventTypeDone}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()}
		return
	}

	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}
