// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sqlwarden/sqlwarden/internal/cache"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/pipeline"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/security/scanner"
	"github.com/sqlwarden/sqlwarden/internal/sqlrunner"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// defaultMaxToolCallsPerTurn caps tool calls in one turn when
// MaxToolCallsPerTurn is not configured.
const defaultMaxToolCallsPerTurn = 6

// maxToolLoopIterations bounds the LLM call, tool dispatch, re-call cycle.
const maxToolLoopIterations = 3

// InboundMessage is the input to the agent loop.
type InboundMessage struct {
	ConversationID string
	RequestID      string
	User           User
	Content        string
	Metadata       map[string]any
}

// OutboundMessage is the output from the agent loop.
type OutboundMessage struct {
	ConversationID string
	RequestID      string
	Content        string
	// SQL is the last statement executed, if any.
	SQL     string
	Result  *sqlrunner.Result
	Blocked []*wardenerr.Rejection
	Usage   *provider.Usage
	Cached  bool
	// Workflow is set when the reply was produced without a model call.
	Workflow bool
}

// LoopHooks provides optional test hooks for each loop step.
type LoopHooks struct {
	OnReceive  func()
	OnPrepare  func()
	OnCallLLM  func()
	OnToolCall func()
	OnRespond  func()
	OnAudit    func()
}

// LoopConfig holds dependencies for the Loop.
type LoopConfig struct {
	Pipeline            *pipeline.Pipeline
	Tools               *ToolDispatcher
	Sessions            *SessionManager
	Workflow            Workflow
	Filter              *scanner.Filter
	Auditor             Auditor
	Model               string
	MaxTokens           int
	Timezone            string
	MaxToolCallsPerTurn int
	Hooks               *LoopHooks
}

// Loop answers one chat message: it dispatches the conversation through the
// request pipeline and executes the SQL tool calls the model asks for.
type Loop struct {
	pipeline            *pipeline.Pipeline
	tools               *ToolDispatcher
	sessions            *SessionManager
	workflow            Workflow
	filter              *scanner.Filter
	auditor             Auditor
	model               string
	maxTokens           int
	timezone            string
	maxToolCallsPerTurn int
	hooks               *LoopHooks

	auditFailCount atomic.Int64
}

// NewLoop creates a Loop with the given dependencies.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Pipeline == nil {
		return nil, wardenerr.New(wardenerr.CodeAgentLoopInvalidInput, "Pipeline is required")
	}
	maxCalls := cfg.MaxToolCallsPerTurn
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCallsPerTurn
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionManager(0, 0)
	}
	if cfg.Workflow == nil {
		cfg.Workflow = CommandWorkflow{}
	}
	return &Loop{
		pipeline:            cfg.Pipeline,
		tools:               cfg.Tools,
		sessions:            cfg.Sessions,
		workflow:            cfg.Workflow,
		filter:              cfg.Filter,
		auditor:             cfg.Auditor,
		model:               cfg.Model,
		maxTokens:           cfg.MaxTokens,
		timezone:            cfg.Timezone,
		maxToolCallsPerTurn: maxCalls,
		hooks:               cfg.Hooks,
	}, nil
}

// ProcessMessage runs RECEIVE → PREPARE → CALL_LLM → TOOL LOOP → RESPOND →
// AUDIT for one message.
func (l *Loop) ProcessMessage(ctx context.Context, msg InboundMessage) (*OutboundMessage, error) {
	if err := l.validateInput(msg); err != nil {
		return nil, err
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	l.fireHook(hookReceive)

	if reply, ok := l.workflow.TryHandle(ctx, msg.User, msg.Content); ok {
		out := &OutboundMessage{
			ConversationID: msg.ConversationID,
			RequestID:      msg.RequestID,
			Content:        reply,
			Workflow:       true,
		}
		l.audit(ctx, msg, out, "workflow")
		return out, nil
	}

	history := l.sessions.History(msg.ConversationID, msg.User.ID)
	userMsg := provider.Message{Role: provider.MessageRoleUser, Content: msg.Content}
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: provider.MessageRoleSystem, Content: SystemPrompt(msg.User, l.timezone)})
	messages = append(messages, history...)
	messages = append(messages, userMsg)
	l.fireHook(hookPrepare)

	req := pipeline.Request{
		Chat: provider.ChatRequest{
			Model:    l.model,
			Messages: messages,
			Options:  provider.ChatOptions{MaxTokens: l.maxTokens},
		},
		RequestID:      msg.RequestID,
		ConversationID: msg.ConversationID,
		UserID:         msg.User.ID,
		Metadata:       msg.Metadata,
	}
	if l.tools != nil {
		req.Chat.Tools = l.tools.Registry().Definitions(msg.User)
	}

	res, err := l.pipeline.Dispatch(ctx, req)
	if err != nil {
		l.audit(ctx, msg, nil, string(wardenerr.KindOf(err)))
		return nil, err
	}
	l.fireHook(hookCallLLM)

	out := &OutboundMessage{
		ConversationID: msg.ConversationID,
		RequestID:      msg.RequestID,
		Cached:         res.Cached,
	}
	usage := res.Response.Usage
	cacheKey := res.CacheKey
	turn := []provider.Message{userMsg}

	if l.tools != nil && len(res.Response.ToolCalls) > 0 {
		res, turn, err = l.runToolLoop(ctx, msg, req, res, turn, out, &usage)
		if err != nil {
			l.audit(ctx, msg, out, string(wardenerr.KindOf(err)))
			return nil, err
		}
	}

	text := strings.TrimSpace(res.Response.Content)
	if text == "" && out.Result != nil {
		text = out.Result.Markdown()
	}
	if l.filter != nil {
		text = l.filter.RedactOutput(ctx, text)
	}
	out.Content = text
	out.Usage = &usage
	l.sessions.Append(msg.ConversationID, msg.User.ID, append(turn, provider.Message{Role: provider.MessageRoleAssistant, Content: text})...)
	if !out.Cached && len(out.Blocked) == 0 {
		l.pipeline.Remember(ctx, cacheKey, &cache.Entry{Answer: text, SQL: out.SQL, Model: l.model})
	}
	l.fireHook(hookRespond)

	l.audit(ctx, msg, out, "ok")
	l.fireHook(hookAudit)
	return out, nil
}

func (l *Loop) validateInput(msg InboundMessage) error {
	var missing []string
	if msg.User.ID == "" {
		missing = append(missing, "User")
	}
	if strings.TrimSpace(msg.Content) == "" {
		missing = append(missing, "Content")
	}
	if len(missing) > 0 {
		return wardenerr.New(wardenerr.CodeAgentLoopInvalidInput,
			"missing required fields: "+strings.Join(missing, ", "),
			wardenerr.FieldConversationID(msg.ConversationID),
		)
	}
	return nil
}

// runToolLoop executes the requested tool calls, feeds their results back
// and re-dispatches until the model answers without tool calls or the
// iteration bound is reached.
func (l *Loop) runToolLoop(
	ctx context.Context,
	msg InboundMessage,
	req pipeline.Request,
	res *pipeline.Result,
	turn []provider.Message,
	out *OutboundMessage,
	usage *provider.Usage,
) (*pipeline.Result, []provider.Message, error) {
	turnID := uuid.NewString()
	defer l.tools.ClearTurn(turnID)

	for iteration := 0; iteration < maxToolLoopIterations && len(res.Response.ToolCalls) > 0; iteration++ {
		req.Chat = res.Sent.Clone()
		assistant := res.Response.Message()
		req.Chat.Messages = append(req.Chat.Messages, assistant)
		turn = append(turn, assistant)

		for _, tc := range res.Response.ToolCalls {
			result, err := l.tools.ExecuteForTurn(ctx, ToolCallRequest{
				Call:           tc,
				User:           msg.User,
				ConversationID: msg.ConversationID,
				RequestID:      msg.RequestID,
				TurnID:         turnID,
			}, l.maxToolCallsPerTurn)

			var content string
			switch {
			case err != nil:
				traceID, _ := telemetry.TraceIDs(ctx)
				content = "error: " + wardenerr.PublicMessage(err, traceID)
				logging.Ctx(ctx).Warn().Err(err).Str("tool", tc.Name).Msg("tool call failed")
			case result.Rejection != nil:
				content = result.Content
				out.Blocked = append(out.Blocked, result.Rejection)
			default:
				content = result.Content
				if result.Result != nil {
					out.SQL = result.SQL
					out.Result = result.Result
				}
			}

			toolMsg := provider.Message{
				Role:       provider.MessageRoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			}
			req.Chat.Messages = append(req.Chat.Messages, toolMsg)
			turn = append(turn, toolMsg)
		}
		l.fireHook(hookToolCall)

		next, err := l.pipeline.Dispatch(ctx, req)
		if err != nil {
			return nil, turn, err
		}
		res = next
		usage.InputTokens += res.Response.Usage.InputTokens
		usage.OutputTokens += res.Response.Usage.OutputTokens
	}

	if len(res.Response.ToolCalls) > 0 {
		logging.Ctx(ctx).Warn().Int("iterations", maxToolLoopIterations).Msg("tool loop bound reached")
	}
	return res, turn, nil
}

// hookKind identifies which hook to fire.
type hookKind int

const (
	hookReceive hookKind = iota
	hookPrepare
	hookCallLLM
	hookToolCall
	hookRespond
	hookAudit
)

func (l *Loop) fireHook(kind hookKind) {
	if l.hooks == nil {
		return
	}

	var fn func()
	switch kind {
	case hookReceive:
		fn = l.hooks.OnReceive
	case hookPrepare:
		fn = l.hooks.OnPrepare
	case hookCallLLM:
		fn = l.hooks.OnCallLLM
	case hookToolCall:
		fn = l.hooks.OnToolCall
	case hookRespond:
		fn = l.hooks.OnRespond
	case hookAudit:
		fn = l.hooks.OnAudit
	}

	if fn != nil {
		fn()
	}
}

func (l *Loop) audit(ctx context.Context, msg InboundMessage, out *OutboundMessage, result string) {
	if l.auditor == nil {
		return
	}
	details := map[string]any{"content_length": len(msg.Content)}
	if out != nil {
		details["answer_length"] = len(out.Content)
		details["blocked"] = len(out.Blocked)
		details["cached"] = out.Cached
		if out.SQL != "" {
			details["sql"] = out.SQL
		}
	}
	entry := &AuditEntry{
		Timestamp:      time.Now().UTC(),
		Action:         "agent_loop.message",
		Actor:          msg.User.ID,
		ConversationID: msg.ConversationID,
		RequestID:      msg.RequestID,
		Details:        details,
		Result:         result,
	}
	if err := l.auditor.Append(ctx, entry); err != nil {
		logAuditFailure(l.auditFailCount.Add(1), err, entry.Action)
		return
	}
	l.auditFailCount.Store(0)
}
