// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package pipeline wraps every outbound LLM call in the request hardening
// stages: breaker pre-check, prompt screening, context injection, size
// budgeting and a retried, breaker-guarded dispatch.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/budget"
	"github.com/sqlwarden/sqlwarden/internal/cache"
	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	"github.com/sqlwarden/sqlwarden/internal/retry"
	"github.com/sqlwarden/sqlwarden/internal/security/scanner"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage names one step of an outbound call.
type Stage string

const (
	StagePreFlight        Stage = "PRE_FLIGHT"
	StageContextInjection Stage = "CONTEXT_INJECTION"
	StageSizeBudgeting    Stage = "SIZE_BUDGETING"
	StageDispatch         Stage = "DISPATCH"
	StageResponseRecorded Stage = "RESPONSE_RECORDED"
	StageFailureRecorded  Stage = "FAILURE_RECORDED"
)

// Guidance supplies the allowed-tables hint appended during context
// injection. *sqlguard.AllowList implements it.
type Guidance interface {
	GuidanceText(ctx context.Context) string
}

// Request is one outbound LLM call. It is owned by a single in-flight call.
type Request struct {
	Chat           provider.ChatRequest
	RequestID      string
	ConversationID string
	UserID         string
	Metadata       map[string]any
}

// Prepared is a request after the before-dispatch stages ran.
type Prepared struct {
	Request
	Budget   budget.Budget
	Question string
	Context  string
	// CacheKey is set when the call started from a user question and a
	// cache is configured.
	CacheKey string
}

// Result is the outcome of a successful dispatch.
type Result struct {
	Response   *provider.Response
	// Sent is the request as dispatched, after injection and budgeting.
	// Follow-up calls in the same turn continue from it.
	Sent       provider.ChatRequest
	Budget     budget.Budget
	DurationMs float64
	Cached     bool
	CacheKey   string
}

// Hooks are optional observers fired as each stage is entered.
type Hooks struct {
	OnStage func(Stage)
}

// Config holds the pipeline's collaborators. Provider, Breaker and Budgeter
// are required; everything else may be nil.
type Config struct {
	Provider provider.Provider
	Breaker  *breaker.Breaker
	Retry    retry.Policy
	Budgeter *budget.Budgeter
	Filter   *scanner.Filter
	Context  contextsrc.Provider
	Guidance Guidance
	Cache    cache.Store
	Perf     *logging.PerfRecorder
	Hooks    *Hooks
}

// Pipeline runs outbound LLM calls. It is safe for concurrent use; all
// per-call state lives in the call's own values.
type Pipeline struct {
	provider provider.Provider
	breaker  *breaker.Breaker
	retry    retry.Policy
	budgeter *budget.Budgeter
	filter   *scanner.Filter
	context  contextsrc.Provider
	guidance Guidance
	cache    cache.Store
	perf     *logging.PerfRecorder
	hooks    *Hooks
	tracer   trace.Tracer
}

// New validates cfg and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	var missing []string
	if cfg.Provider == nil {
		missing = append(missing, "Provider")
	}
	if cfg.Breaker == nil {
		missing = append(missing, "Breaker")
	}
	if cfg.Budgeter == nil {
		missing = append(missing, "Budgeter")
	}
	if len(missing) > 0 {
		return nil, wardenerr.New(wardenerr.CodeAgentLoopInvalidInput,
			"pipeline: missing required fields: "+strings.Join(missing, ", "))
	}
	if cfg.Retry.TimeoutCode == "" {
		cfg.Retry.TimeoutCode = wardenerr.CodeLLMCallTimeout
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop{}
	}
	if cfg.Perf == nil {
		cfg.Perf = logging.NewPerfRecorder()
	}
	return &Pipeline{
		provider: cfg.Provider,
		breaker:  cfg.Breaker,
		retry:    cfg.Retry,
		budgeter: cfg.Budgeter,
		filter:   cfg.Filter,
		context:  cfg.Context,
		guidance: cfg.Guidance,
		cache:    cfg.Cache,
		perf:     cfg.Perf,
		hooks:    cfg.Hooks,
		tracer:   telemetry.Tracer("github.com/sqlwarden/sqlwarden/internal/pipeline"),
	}, nil
}

// Provider returns the dispatch target.
func (p *Pipeline) Provider() provider.Provider { return p.provider }

// Perf returns the recorder the pipeline reports into.
func (p *Pipeline) Perf() *logging.PerfRecorder { return p.perf }

func (p *Pipeline) enter(s Stage) {
	if p.hooks != nil && p.hooks.OnStage != nil {
		p.hooks.OnStage(s)
	}
}

// BeforeRequest is the request-mutation hook. It fails fast while the
// breaker is open, screens the trailing user message, appends schema and
// documentation context plus the allowed-tables guidance to it and sizes the
// result to the prompt budget. The caller's request is not modified.
func (p *Pipeline) BeforeRequest(ctx context.Context, req Request) (Prepared, error) {
	p.enter(StagePreFlight)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if !p.breaker.CanPass() {
		telemetry.RecordBreakerRejection(ctx, p.breaker.Name())
		return Prepared{}, p.fail(ctx, p.breaker.OpenError())
	}

	req.Chat = req.Chat.Clone()
	if p.filter != nil {
		p.filter.RedactSensitive(ctx, req.Chat.Messages)
		if err := p.filter.FilterMessages(ctx, req.Chat.Messages); err != nil {
			p.perf.Inc(logging.CounterPromptBlocked)
			telemetry.RecordGuardRejection(ctx, telemetry.GuardPrompt, string(wardenerr.CodeOf(err)))
			return Prepared{}, p.fail(ctx, err)
		}
	}

	p.enter(StageContextInjection)
	prep := Prepared{Request: req}
	var inj *budget.Injection
	if i := req.Chat.LastUserMessage(); i >= 0 {
		prep.Question = req.Chat.Messages[i].Content
		prep.Context = p.contextText(ctx)
		if prep.Context != "" {
			req.Chat.Messages[i].Content = prep.Question + "\n\n" + prep.Context
		}
		inj = &budget.Injection{Question: prep.Question, Context: prep.Context}
		if _, isNoop := p.cache.(cache.Noop); !isNoop {
			prep.CacheKey = cache.Key(req.UserID, prep.Question, prep.Context, req.ConversationID)
		}
	}

	p.enter(StageSizeBudgeting)
	prep.Chat, prep.Budget = p.budgeter.Apply(ctx, req.Chat, inj)
	if prep.Budget.Truncated {
		p.perf.Inc(logging.CounterPromptTruncated)
		telemetry.RecordPromptTruncation(ctx, prep.Budget.Collapsed)
	}
	return prep, nil
}

func (p *Pipeline) contextText(ctx context.Context) string {
	var parts []string
	if p.context != nil {
		if t := p.context.ContextText(ctx); t != "" {
			parts = append(parts, t)
		}
	}
	if p.guidance != nil {
		if t := p.guidance.GuidanceText(ctx); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Dispatch runs BeforeRequest, serves a cached answer when one exists, and
// otherwise calls the model through the retry wrapper and the LLM breaker.
// AfterResponse runs for every attempted dispatch.
func (p *Pipeline) Dispatch(ctx context.Context, req Request) (*Result, error) {
	prep, err := p.BeforeRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if prep.CacheKey != "" {
		if e, ok := p.cache.Get(ctx, prep.CacheKey); ok {
			logging.Ctx(ctx).Debug().Str("request_id", prep.RequestID).Msg("serving cached answer")
			p.enter(StageResponseRecorded)
			return &Result{
				Response: &provider.Response{Content: e.Answer},
				Sent:     prep.Chat,
				Budget:   prep.Budget,
				Cached:   true,
				CacheKey: prep.CacheKey,
			}, nil
		}
	}

	p.enter(StageDispatch)
	ctx, span := p.tracer.Start(ctx, "llm.dispatch", trace.WithAttributes(
		telemetry.LLMRequestAttributes(p.provider.Name(), prep.Chat.Model)...))
	defer span.End()
	span.SetAttributes(
		telemetry.PromptTotalChars.Int(prep.Budget.TotalChars),
		telemetry.PromptSystemChars.Int(prep.Budget.SystemChars),
		telemetry.PromptTruncated.Bool(prep.Budget.Truncated),
		attribute.String("sqlwarden.request_id", prep.RequestID),
	)

	call := &Call{Started: time.Now()}
	resp, err := retry.Do(ctx, p.retry, p.breaker, func(ctx context.Context) (*provider.Response, error) {
		events, err := p.provider.Chat(ctx, prep.Chat)
		if err != nil {
			return nil, err
		}
		return provider.Collect(ctx, p.provider.Name(), events)
	})
	res := p.AfterResponse(ctx, call, prep, resp, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(wardenerr.CodeOf(err)))
		return nil, p.fail(ctx, err)
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.InputTokens, resp.Usage.OutputTokens)...)
	}

	if prep.CacheKey != "" && len(resp.ToolCalls) == 0 {
		p.Remember(ctx, prep.CacheKey, &cache.Entry{Answer: resp.Content, Model: prep.Chat.Model})
	}
	return res, nil
}

// Call carries the timing state of one dispatch between the before and
// after hooks.
type Call struct {
	Started time.Time
}

// AfterResponse is the response-observation hook. It records the call
// duration as a perf sample, a metric and a perf log record, then clears
// the call's timing state.
func (p *Pipeline) AfterResponse(ctx context.Context, call *Call, prep Prepared, resp *provider.Response, err error) *Result {
	if call == nil || call.Started.IsZero() {
		return nil
	}
	elapsed := float64(time.Since(call.Started).Microseconds()) / 1000
	call.Started = time.Time{}

	p.perf.Record(logging.SampleLLM, elapsed)
	p.perf.Inc(logging.CounterLLMCalls)
	telemetry.RecordLLMDuration(ctx, elapsed, p.provider.Name(), prep.Chat.Model, err == nil)

	fields := map[string]any{
		"request_id":  prep.RequestID,
		"provider":    p.provider.Name(),
		"model":       prep.Chat.Model,
		"duration_ms": elapsed,
		"truncated":   prep.Budget.Truncated,
		"ok":          err == nil,
	}
	if err != nil {
		fields["error_code"] = string(wardenerr.CodeOf(err))
	}
	if resp != nil {
		fields["tool_calls"] = len(resp.ToolCalls)
		fields["input_tokens"] = resp.Usage.InputTokens
		fields["output_tokens"] = resp.Usage.OutputTokens
	}
	logging.Perf(ctx, "llm.call", fields)

	if err != nil {
		return nil
	}
	p.enter(StageResponseRecorded)
	return &Result{Response: resp, Sent: prep.Chat, Budget: prep.Budget, DurationMs: elapsed, CacheKey: prep.CacheKey}
}

// Remember stores a final answer under key. Empty keys are ignored.
func (p *Pipeline) Remember(ctx context.Context, key string, e *cache.Entry) {
	if key == "" || e == nil || e.Answer == "" {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	p.cache.Set(ctx, key, e)
}

// fail records a failed call and returns err unchanged. Breaker outcomes are
// reported by the retry wrapper; validation and breaker-open failures never
// reach the dependency and are not counted against it.
func (p *Pipeline) fail(ctx context.Context, err error) error {
	p.enter(StageFailureRecorded)
	p.perf.Inc(logging.CounterErrors)
	ev := logging.Ctx(ctx).Warn()
	if wardenerr.KindOf(err) == wardenerr.KindInternal {
		ev = logging.Ctx(ctx).Error()
	}
	ev.Err(err).
		Str("error_code", string(wardenerr.CodeOf(err))).
		Str("kind", string(wardenerr.KindOf(err))).
		Msg("llm call failed")
	return err
}
