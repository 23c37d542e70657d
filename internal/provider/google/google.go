// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package google

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/sqlwarden/sqlwarden/internal/provider"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Config holds Google provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Provider implements provider.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	config Config
}

// New creates a new Google provider. Returns an error if the API key is missing.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, wardenerr.New(wardenerr.CodeLLMRequestInvalid,
			"google: missing api_key in config", wardenerr.FieldProvider("google"))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeLLMUpstreamFailure, "google: creating client")
	}

	return &Provider{client: client, config: cfg}, nil
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeLLMRequestInvalid, "google: converting messages")
	}

	config := buildConfig(req)

	eventCh := make(chan provider.ChatEvent, 100)

	go func() {
		defer close(eventCh)
		p.streamChat(ctx, req.Model, contents, config, eventCh)
	}()

	return eventCh, nil
}

func (p *Provider) Close() error { return nil }

// buildConfig converts a provider.ChatRequest into a genai.GenerateContentConfig.
// System messages become the system instruction.
func buildConfig(req provider.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Options.Temperature)
	}

	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}

	if len(req.Options.StopSequences) > 0 {
		cfg.StopSequences = req.Options.StopSequences
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == provider.MessageRoleSystem {
			system = append(system, m.Content)
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}

	return cfg
}

// convertMessages transforms provider.Message slices into genai.Content
// slices. System messages are excluded; buildConfig handles them.
func convertMessages(msgs []provider.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case provider.MessageRoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, &genai.Content{Role: "model", Parts: parts})
		case provider.MessageRoleTool:
			result = append(result, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		case provider.MessageRoleSystem:
			continue
		default:
			return nil, wardenerr.Errorf(wardenerr.CodeLLMRequestInvalid, "google: unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

// convertTools transforms provider.ToolDefinition slices into genai.Tool slices.
func convertTools(tools []provider.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// streamChat runs the streaming loop, converting SDK responses into provider.ChatEvent values.
func (p *Provider) streamChat(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	ch chan<- provider.ChatEvent,
) {
	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: err.Error()}
			return
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: part.Text}
				}
				if part.FunctionCall == nil {
					continue
				}
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					log.Error().Err(err).Str("function", part.FunctionCall.Name).
						Msg("failed to marshal tool call arguments")
					ch <- provider.ChatEvent{
						Type:  provider.EventTypeError,
						Error: "google: marshaling tool call arguments for " + part.FunctionCall.Name,
					}
					return
				}
				ch <- provider.ChatEvent{
					Type: provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				}
			}
		}

		if result.UsageMetadata != nil {
			ch <- provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:     int(result.UsageMetadata.PromptTokenCount),
					OutputTokens:    int(result.UsageMetadata.CandidatesTokenCount),
					CacheReadTokens: int(result.UsageMetadata.CachedContentTokenCount),
				},
			}
		}
	}

	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}
