// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/retry"
	"github.com/sqlwarden/sqlwarden/internal/security/scanner"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	"github.com/sqlwarden/sqlwarden/internal/sqlrunner"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Built-in tool names.
const (
	ToolRunSQL     = "run_sql"
	ToolListTables = "list_tables"
)

// RunSQLTool is the definition of the SQL execution tool.
var RunSQLTool = provider.ToolDefinition{
	Name:        ToolRunSQL,
	Description: "Run one read-only SQL query against the database and return the result as a table.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "A single SELECT statement without comments.",
			},
		},
		"required":             []any{"sql"},
		"additionalProperties": false,
	},
}

// ListTablesTool is the definition of the allowed-tables lookup tool.
var ListTablesTool = provider.ToolDefinition{
	Name:        ToolListTables,
	Description: "List the tables and views that queries may reference.",
	InputSchema: map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	},
}

// Tool is a registered tool with the groups allowed to call it.
type Tool struct {
	Definition provider.ToolDefinition
	Groups     []string
	schema     *gojsonschema.Schema
}

// ValidateArguments checks args against the tool's input schema.
func (t *Tool) ValidateArguments(args string) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	res, err := t.schema.Validate(gojsonschema.NewStringLoader(args))
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeAgentLoopInvalidInput, "tool %s: arguments are not valid JSON", t.Definition.Name)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return wardenerr.New(wardenerr.CodeAgentLoopInvalidInput,
			"tool "+t.Definition.Name+": invalid arguments: "+strings.Join(msgs, "; "))
	}
	return nil
}

func (t *Tool) allows(u User) bool {
	for _, g := range t.Groups {
		if u.InGroup(g) {
			return true
		}
	}
	return false
}

// ToolRegistry holds the tools offered to the model.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// DefaultToolRegistry registers run_sql and list_tables for every user.
func DefaultToolRegistry() (*ToolRegistry, error) {
	r := NewToolRegistry()
	for _, def := range []provider.ToolDefinition{RunSQLTool, ListTablesTool} {
		if err := r.Register(def, GroupAdmin, GroupUser); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles def's input schema and makes it available to groups.
func (r *ToolRegistry) Register(def provider.ToolDefinition, groups ...string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeAgentLoopInvalidInput, "tool %s: compiling input schema", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &Tool{Definition: def, Groups: groups, schema: schema}
	return nil
}

// Lookup returns the named tool when u may call it.
func (r *ToolRegistry) Lookup(name string, u User) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok || !t.allows(u) {
		return nil, false
	}
	return t, true
}

// Definitions returns the definitions u may call, sorted by name.
func (r *ToolRegistry) Definitions(u User) []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if t.allows(u) {
			defs = append(defs, t.Definition)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// SQLExecutor runs validated statements. *sqlrunner.Runner implements it.
type SQLExecutor interface {
	Provider() string
	Execute(ctx context.Context, sql string) (*sqlrunner.Result, error)
}

// ToolCallRequest is one tool invocation requested by the model.
type ToolCallRequest struct {
	Call           provider.ToolCall
	User           User
	ConversationID string
	RequestID      string
	// TurnID scopes the per-turn call budget.
	TurnID string
}

// ToolResult is the outcome of a tool call. Content is fed back to the
// model; Rejection is set when a guard refused the statement.
type ToolResult struct {
	Content   string
	SQL       string
	Result    *sqlrunner.Result
	Rejection *wardenerr.Rejection
}

// ToolDispatcherConfig holds dependencies for ToolDispatcher.
type ToolDispatcherConfig struct {
	Registry *ToolRegistry
	Guard    *sqlguard.Guard
	Runner   SQLExecutor
	Breaker  *breaker.Breaker
	Retry    retry.Policy
	Filter   *scanner.Filter
	Auditor  Auditor
	Perf     *logging.PerfRecorder
}

type turnBudget struct {
	count atomic.Int64
}

// ToolDispatcher executes tool calls behind the SQL guard, the database
// breaker and the retry policy.
type ToolDispatcher struct {
	registry *ToolRegistry
	guard    *sqlguard.Guard
	runner   SQLExecutor
	breaker  *breaker.Breaker
	retry    retry.Policy
	filter   *scanner.Filter
	auditor  Auditor
	perf     *logging.PerfRecorder
	tracer   trace.Tracer

	turnBudgets sync.Map // map[string]*turnBudget

	// auditFailCount is reset on every successful append.
	auditFailCount atomic.Int64
}

// NewToolDispatcher validates cfg and creates a dispatcher.
func NewToolDispatcher(cfg ToolDispatcherConfig) (*ToolDispatcher, error) {
	var missing []string
	if cfg.Registry == nil {
		missing = append(missing, "Registry")
	}
	if cfg.Guard == nil {
		missing = append(missing, "Guard")
	}
	if cfg.Runner == nil {
		missing = append(missing, "Runner")
	}
	if cfg.Breaker == nil {
		missing = append(missing, "Breaker")
	}
	if len(missing) > 0 {
		return nil, wardenerr.New(wardenerr.CodeAgentLoopInvalidInput,
			"tool dispatcher: missing required fields: "+strings.Join(missing, ", "))
	}
	if cfg.Retry.TimeoutCode == "" {
		cfg.Retry.TimeoutCode = wardenerr.CodeSQLQueryTimeout
	}
	if cfg.Perf == nil {
		cfg.Perf = logging.NewPerfRecorder()
	}
	return &ToolDispatcher{
		registry: cfg.Registry,
		guard:    cfg.Guard,
		runner:   cfg.Runner,
		breaker:  cfg.Breaker,
		retry:    cfg.Retry,
		filter:   cfg.Filter,
		auditor:  cfg.Auditor,
		perf:     cfg.Perf,
		tracer:   telemetry.Tracer("github.com/sqlwarden/sqlwarden/internal/agent"),
	}, nil
}

// Registry returns the tool registry.
func (d *ToolDispatcher) Registry() *ToolRegistry { return d.registry }

// ClearTurn drops the budget entry for turnID.
func (d *ToolDispatcher) ClearTurn(turnID string) {
	d.turnBudgets.Delete(turnID)
}

// ExecuteForTurn wraps Execute with a per-turn call budget.
func (d *ToolDispatcher) ExecuteForTurn(ctx context.Context, req ToolCallRequest, maxCalls int) (*ToolResult, error) {
	if req.TurnID == "" {
		return nil, wardenerr.New(wardenerr.CodeAgentLoopInvalidInput, "TurnID is required for budget tracking")
	}
	v, _ := d.turnBudgets.LoadOrStore(req.TurnID, &turnBudget{})
	count := v.(*turnBudget).count.Add(1)
	if int(count) > maxCalls {
		return nil, wardenerr.Errorf(wardenerr.CodeAgentToolBudgetExceeded,
			"tool call budget exceeded: %d/%d calls used", count, maxCalls)
	}
	return d.Execute(ctx, req)
}

// Execute runs one tool call. Guard rejections are returned as a result
// carrying the rejection text, not as an error.
func (d *ToolDispatcher) Execute(ctx context.Context, req ToolCallRequest) (*ToolResult, error) {
	tool, ok := d.registry.Lookup(req.Call.Name, req.User)
	if !ok {
		d.audit(ctx, req, "denied", nil)
		return nil, wardenerr.New(wardenerr.CodeAgentLoopInvalidInput, "unknown tool: "+req.Call.Name)
	}
	if err := tool.ValidateArguments(req.Call.Arguments); err != nil {
		d.audit(ctx, req, "invalid_arguments", nil)
		return nil, err
	}

	switch req.Call.Name {
	case ToolRunSQL:
		return d.runSQL(ctx, req)
	case ToolListTables:
		return d.listTables(ctx, req)
	default:
		return nil, wardenerr.New(wardenerr.CodeAgentLoopInvalidInput, "tool has no handler: "+req.Call.Name)
	}
}

func (d *ToolDispatcher) runSQL(ctx context.Context, req ToolCallRequest) (*ToolResult, error) {
	var args struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(req.Call.Arguments), &args); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeAgentLoopInvalidInput, "decoding run_sql arguments")
	}

	verdict := d.guard.Check(ctx, args.SQL)
	if !verdict.Allowed() {
		rej := verdict.Rejection
		guard := telemetry.GuardSQL
		if rej.Code == wardenerr.CodeSQLAllowListInvalid {
			guard = telemetry.GuardAllowList
		}
		d.perf.Inc(logging.CounterSQLBlocked)
		telemetry.RecordGuardRejection(ctx, guard, string(rej.Code))
		logging.Ctx(ctx).Warn().
			Str("reason", rej.Reason).
			Strs("invalid_tables", rej.InvalidTables).
			Msg("sql blocked")
		d.audit(ctx, req, "blocked", map[string]any{"reason": rej.Reason})
		return &ToolResult{Content: rej.Message(), SQL: args.SQL, Rejection: rej}, nil
	}

	ctx, span := d.tracer.Start(ctx, "sql.execute", trace.WithAttributes(
		telemetry.DBSystem.String(d.runner.Provider()),
		telemetry.DBStatement.String(verdict.SQL),
	))
	defer span.End()

	started := time.Now()
	res, err := retry.Do(ctx, d.retry, d.breaker, func(ctx context.Context) (*sqlrunner.Result, error) {
		return d.runner.Execute(ctx, verdict.SQL)
	})
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	d.perf.Record(logging.SampleSQL, elapsed)
	telemetry.RecordSQLDuration(ctx, elapsed, d.runner.Provider(), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(wardenerr.CodeOf(err)))
		if wardenerr.IsBreakerOpen(err) {
			telemetry.RecordBreakerRejection(ctx, d.breaker.Name())
		}
		d.audit(ctx, req, "error", map[string]any{"error_code": string(wardenerr.CodeOf(err))})
		return nil, err
	}

	content := res.Markdown()
	if d.filter != nil {
		content = d.filter.RedactTool(ctx, content)
	}
	d.audit(ctx, req, "ok", map[string]any{"rows": len(res.Rows), "truncated": res.Truncated})
	return &ToolResult{Content: content, SQL: verdict.SQL, Result: res}, nil
}

func (d *ToolDispatcher) listTables(ctx context.Context, req ToolCallRequest) (*ToolResult, error) {
	al := d.guard.AllowList()
	if al == nil {
		return &ToolResult{Content: "No table list is configured."}, nil
	}
	tables, err := al.Tables(ctx)
	if err != nil {
		d.audit(ctx, req, "error", nil)
		return nil, err
	}
	d.audit(ctx, req, "ok", map[string]any{"tables": len(tables)})
	if len(tables) == 0 {
		return &ToolResult{Content: "No tables found."}, nil
	}
	return &ToolResult{Content: strings.Join(tables, "\n")}, nil
}

// audit writes a best-effort entry for a tool call.
func (d *ToolDispatcher) audit(ctx context.Context, req ToolCallRequest, result string, details map[string]any) {
	if d.auditor == nil {
		return
	}

	const maxArgLen = 1024
	args := req.Call.Arguments
	if len(args) > maxArgLen {
		i := maxArgLen
		for i > 0 && !utf8.RuneStart(args[i]) {
			i--
		}
		args = args[:i]
	}
	if details == nil {
		details = map[string]any{}
	}
	details["tool_name"] = req.Call.Name
	details["tool_arguments"] = args

	entry := &AuditEntry{
		Timestamp:      time.Now().UTC(),
		Action:         "tool_dispatch",
		Actor:          req.User.ID,
		ConversationID: req.ConversationID,
		RequestID:      req.RequestID,
		Details:        details,
		Result:         result,
	}
	if err := d.auditor.Append(ctx, entry); err != nil {
		logAuditFailure(d.auditFailCount.Add(1), err, entry.Action)
		return
	}
	d.auditFailCount.Store(0)
}
