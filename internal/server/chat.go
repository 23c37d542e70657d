// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/security/scanner"
	"github.com/sqlwarden/sqlwarden/internal/sqlrunner"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// ChatRequestBody is the inbound chat payload. Field checks happen in
// scanner.ValidatePayload so every failure shares one error code.
type ChatRequestBody struct {
	Message        *string        `json:"message,omitempty" required:"false" doc:"Question to answer"`
	ConversationID string         `json:"conversation_id,omitempty" required:"false" doc:"Conversation to continue; a new one is started when empty"`
	RequestID      string         `json:"request_id,omitempty" required:"false" doc:"Client-chosen id echoed in the response"`
	Metadata       map[string]any `json:"metadata,omitempty" required:"false" doc:"Flat string or number values"`
}

type chatInput struct {
	Email string `cookie:"user_email" doc:"Identifies the user; guests share one identity"`
	Body  ChatRequestBody
}

// Usage reports token consumption of the answer.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Blocked describes a statement the SQL guard refused.
type Blocked struct {
	Code    string   `json:"code"`
	Reason  string   `json:"reason"`
	Message string   `json:"message"`
	Tables  []string `json:"tables,omitempty"`
}

// ChatResponseBody is the answer to a chat request.
type ChatResponseBody struct {
	ConversationID string            `json:"conversation_id"`
	RequestID      string            `json:"request_id"`
	Answer         string            `json:"answer"`
	SQL            string            `json:"sql,omitempty"`
	Result         *sqlrunner.Result `json:"result,omitempty"`
	Blocked        []Blocked         `json:"blocked,omitempty"`
	Cached         bool              `json:"cached"`
	Usage          *Usage            `json:"usage,omitempty"`
	TraceID        string            `json:"trace_id,omitempty"`
}

type chatOutput struct {
	Body ChatResponseBody
}

func (s *Server) handleChat(ctx context.Context, input *chatInput) (*chatOutput, error) {
	if s.services.Agent == nil {
		return nil, apiError(ctx, wardenerr.New(wardenerr.CodeServerUnavailable, "chat agent not configured"))
	}

	user := agent.ResolveUser(input.Email)
	release, err := s.admitChat(ctx, user)
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := scanner.ValidatePayload(scanner.ChatPayload{
		Message:        input.Body.Message,
		ConversationID: input.Body.ConversationID,
		RequestID:      input.Body.RequestID,
		Metadata:       input.Body.Metadata,
	}, s.services.MaxMessageLength)
	if err != nil {
		return nil, apiError(ctx, err)
	}
	if in.ConversationID == "" {
		in.ConversationID = uuid.NewString()
	}

	reply, err := s.services.Agent.ProcessMessage(ctx, agent.InboundMessage{
		ConversationID: in.ConversationID,
		RequestID:      in.RequestID,
		User:           user,
		Content:        in.Message,
		Metadata:       in.Metadata,
	})
	if err != nil {
		return nil, apiError(ctx, err)
	}

	out := &chatOutput{Body: ChatResponseBody{
		ConversationID: reply.ConversationID,
		RequestID:      reply.RequestID,
		Answer:         reply.Content,
		SQL:            reply.SQL,
		Result:         reply.Result,
		Cached:         reply.Cached,
	}}
	out.Body.TraceID, _ = telemetry.TraceIDs(ctx)
	if reply.Usage != nil {
		out.Body.Usage = &Usage{InputTokens: reply.Usage.InputTokens, OutputTokens: reply.Usage.OutputTokens}
	}
	for _, rej := range reply.Blocked {
		out.Body.Blocked = append(out.Body.Blocked, blockedFrom(rej))
	}
	return out, nil
}

func blockedFrom(rej *wardenerr.Rejection) Blocked {
	return Blocked{
		Code:    string(rej.Code),
		Reason:  rej.Reason,
		Message: rej.Message(),
		Tables:  rej.InvalidTables,
	}
}
