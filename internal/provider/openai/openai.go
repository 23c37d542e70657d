// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package openai

import (
	"context"
	"encoding/json"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Base URLs of the OpenAI-compatible endpoints this client serves besides
// OpenAI itself.
const (
	LMStudioBaseURL = "http://localhost:1234/v1"
	GroqBaseURL     = "https://api.groq.com/openai/v1"
	GeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// DefaultBaseURL returns the endpoint for a compatible provider name, or ""
// for the OpenAI default.
func DefaultBaseURL(name string) string {
	switch name {
	case "lmstudio":
		return LMStudioBaseURL
	case "groq":
		return GroqBaseURL
	case "gemini":
		return GeminiBaseURL
	default:
		return ""
	}
}

// Config holds provider configuration for any OpenAI-compatible endpoint.
type Config struct {
	// Name is reported by Provider.Name; defaults to "openai".
	Name    string
	APIKey  string
	BaseURL string
}

// Provider implements provider.Provider using the Chat Completions API.
type Provider struct {
	client openaisdk.Client
	config Config
}

// New creates a provider. A local LM Studio endpoint needs no API key; every
// other endpoint does.
func New(cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL(cfg.Name)
	}
	if cfg.APIKey == "" {
		if cfg.Name != "lmstudio" {
			return nil, wardenerr.New(wardenerr.CodeLLMRequestInvalid,
				cfg.Name+": missing api_key in config", wardenerr.FieldProvider(cfg.Name))
		}
		cfg.APIKey = "lm-studio"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are owned by the caller's retry policy.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{client: openaisdk.NewClient(opts...), config: cfg}, nil
}

func (p *Provider) Name() string { return p.config.Name }

// BaseURL returns the endpoint in use, empty for the SDK default.
func (p *Provider) BaseURL() string { return p.config.BaseURL }

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeLLMRequestInvalid, "%s: building request params", p.config.Name)
	}

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()

	return eventCh, nil
}

func (p *Provider) Close() error { return nil }

// buildParams converts a provider.ChatRequest into SDK ChatCompletionNewParams.
func buildParams(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}

	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}

	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*req.Options.Temperature))
	}

	if len(req.Options.StopSequences) > 0 {
		params.Stop = openaisdk.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Options.StopSequences,
		}
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	return params, nil
}

// convertMessages transforms provider.Message slices into SDK message params.
func convertMessages(msgs []provider.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, openaisdk.UserMessage(msg.Content))
		case provider.MessageRoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openaisdk.AssistantMessage(msg.Content))
				continue
			}
			asst := openaisdk.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = param.NewOpt(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			result = append(result, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case provider.MessageRoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		case provider.MessageRoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		default:
			return nil, wardenerr.Errorf(wardenerr.CodeLLMRequestInvalid, "unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

// convertTools transforms provider.ToolDefinition slices into SDK tool params.
func convertTools(tools []provider.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return result
}

type toolAccum struct {
	id          string
	name        string
	partialArgs string
}

// streamChat runs the streaming loop, converting SDK chunks into provider.ChatEvent values.
func (p *Provider) streamChat(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolCalls := make(map[int64]*toolAccum)
	var order []int64

	for stream.Next() {
		chunk := stream.Current()

		for _, choice := range chunk.Choices {
			delta := choice.Delta

			if delta.Content != "" {
				ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				acc, ok := toolCalls[tc.Index]
				if !ok {
					acc = &toolAccum{}
					toolCalls[tc.Index] = acc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.partialArgs += tc.Function.Arguments
			}
		}

		// Usage arrives on the final chunk with stream_options.include_usage.
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			ch <- provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:     int(chunk.Usage.PromptTokens),
					OutputTokens:    int(chunk.Usage.CompletionTokens),
					CacheReadTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
				},
			}
		}
	}

	if err := stream.Err(); err != nil {
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()}
		return
	}

	for _, call := range flushToolCalls(toolCalls, order) {
		ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: call}
	}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}

// flushToolCalls returns the accumulated calls in stream order. Arguments
// that are not valid JSON are replaced with an empty object.
func flushToolCalls(acc map[int64]*toolAccum, order []int64) []*provider.ToolCall {
	out := make([]*provider.ToolCall, 0, len(order))
	for _, idx := range order {
		a := acc[idx]
		args := a.partialArgs
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, &provider.ToolCall{ID: a.id, Name: a.name, Arguments: args})
	}
	return out
}
