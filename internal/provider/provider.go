// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package provider

import (
	"context"
)

// Provider is the core interface for LLM backends. Chat streams events on
// the returned channel and closes it when the response is complete.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Close() error
}

// ChatRequest represents a request to the LLM. System instructions travel as
// MessageRoleSystem entries in Messages so the size budgeter sees them.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
	Options  ChatOptions
}

// Clone returns a deep copy of the request's slices so the copy can be
// rewritten without aliasing the caller's messages.
func (r ChatRequest) Clone() ChatRequest {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.Clone()
	}
	out.Tools = append([]ToolDefinition(nil), r.Tools...)
	out.Options.StopSequences = append([]string(nil), r.Options.StopSequences...)
	return out
}

// LastUserMessage returns the index of the trailing message when it is a
// user message, or -1.
func (r ChatRequest) LastUserMessage() int {
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == MessageRoleUser {
		return n - 1
	}
	return -1
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	Temperature   *float32
	MaxTokens     int
	StopSequences []string
}

// Message represents a conversation message.
type Message struct {
	Role       MessageRole
	Content    string
	ToolCallID string
	ToolName   string
	// ToolCalls holds the calls an assistant message requested.
	ToolCalls []ToolCall
}

// Clone returns a copy of m that shares no slices with it.
func (m Message) Clone() Message {
	m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	return m
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    string
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall represents a tool invocation by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}
