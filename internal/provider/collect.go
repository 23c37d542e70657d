// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package provider

import (
	"context"
	"strings"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Response is a fully collected chat response.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Message converts the response into the assistant message appended to the
// conversation history.
func (r *Response) Message() Message {
	return Message{
		Role:      MessageRoleAssistant,
		Content:   r.Content,
		ToolCalls: append([]ToolCall(nil), r.ToolCalls...),
	}
}

// Collect drains a Chat event stream into a Response. A stream error event
// becomes an upstream failure; a stream with neither text nor tool calls is
// a malformed response. Context cancellation returns ctx.Err() unwrapped.
func Collect(ctx context.Context, name string, events <-chan ChatEvent) (*Response, error) {
	var (
		text strings.Builder
		resp Response
	)
	for {
		select {
		case <-ctx.Done():
			// Drain so the producing goroutine can exit.
			go func() {
				for range events {
				}
			}()
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return finish(name, &resp, text.String())
			}
			switch ev.Type {
			case EventTypeTextDelta:
				text.WriteString(ev.Text)
			case EventTypeToolCall:
				if ev.ToolCall != nil {
					resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
				}
			case EventTypeUsage:
				if ev.Usage != nil {
					mergeUsage(&resp.Usage, *ev.Usage)
				}
			case EventTypeError:
				return nil, wardenerr.New(wardenerr.CodeLLMUpstreamFailure,
					name+": "+ev.Error, wardenerr.FieldProvider(name))
			case EventTypeDone:
				return finish(name, &resp, text.String())
			}
		}
	}
}

func finish(name string, resp *Response, text string) (*Response, error) {
	resp.Content = strings.TrimSpace(text)
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, wardenerr.New(wardenerr.CodeLLMResponseMalformed,
			name+": empty response", wardenerr.FieldProvider(name))
	}
	return resp, nil
}

// mergeUsage keeps the largest value seen per counter; providers report
// cumulative usage across several events.
func mergeUsage(dst *Usage, u Usage) {
	dst.InputTokens = max(dst.InputTokens, u.InputTokens)
	dst.OutputTokens = max(dst.OutputTokens, u.OutputTokens)
	dst.CacheReadTokens = max(dst.CacheReadTokens, u.CacheReadTokens)
	dst.CacheWriteTokens = max(dst.CacheWriteTokens, u.CacheWriteTokens)
}
