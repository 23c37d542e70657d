// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sqlwarden/sqlwarden"

// Guard outcomes recorded by RecordGuardRejection.
const (
	GuardPrompt    = "prompt"
	GuardSQL       = "sql"
	GuardAllowList = "allow_list"
)

type instruments struct {
	llmDuration    metric.Float64Histogram
	sqlDuration    metric.Float64Histogram
	guardRejects   metric.Int64Counter
	promptTruncate metric.Int64Counter
	breakerOpen    metric.Int64Counter
}

var (
	inst     *instruments
	instOnce sync.Once
)

// meters returns the process instruments, creating them against the global
// meter provider on first use. Instruments that fail to register are nil and
// their recorders become no-ops.
func meters() *instruments {
	instOnce.Do(func() {
		m := otel.Meter(meterName)
		i := &instruments{}
		i.llmDuration, _ = m.Float64Histogram("sqlwarden.llm.duration",
			metric.WithDescription("LLM dispatch latency including retries"),
			metric.WithUnit("ms"))
		i.sqlDuration, _ = m.Float64Histogram("sqlwarden.sql.duration",
			metric.WithDescription("SQL execution latency"),
			metric.WithUnit("ms"))
		i.guardRejects, _ = m.Int64Counter("sqlwarden.guard.rejections",
			metric.WithDescription("Inputs refused by a guard"))
		i.promptTruncate, _ = m.Int64Counter("sqlwarden.prompt.truncations",
			metric.WithDescription("Requests cut down to the prompt budget"))
		i.breakerOpen, _ = m.Int64Counter("sqlwarden.breaker.rejections",
			metric.WithDescription("Calls failed fast by an open circuit breaker"))
		inst = i
	})
	return inst
}

// RecordLLMDuration records one dispatch.
func RecordLLMDuration(ctx context.Context, ms float64, provider, model string, ok bool) {
	if h := meters().llmDuration; h != nil {
		h.Record(ctx, ms, metric.WithAttributes(
			GenAISystem.String(provider),
			GenAIRequestModel.String(model),
			attribute.Bool("ok", ok),
		))
	}
}

// RecordSQLDuration records one query execution.
func RecordSQLDuration(ctx context.Context, ms float64, dbProvider string, ok bool) {
	if h := meters().sqlDuration; h != nil {
		h.Record(ctx, ms, metric.WithAttributes(DBSystem.String(dbProvider), attribute.Bool("ok", ok)))
	}
}

// RecordGuardRejection counts a refused prompt or statement.
func RecordGuardRejection(ctx context.Context, guard, code string) {
	if c := meters().guardRejects; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", guard), attribute.String("code", code)))
	}
}

// RecordPromptTruncation counts a truncated request.
func RecordPromptTruncation(ctx context.Context, collapsed bool) {
	if c := meters().promptTruncate; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.Bool("collapsed", collapsed)))
	}
}

// RecordBreakerRejection counts a fail-fast call.
func RecordBreakerRejection(ctx context.Context, resource string) {
	if c := meters().breakerOpen; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
	}
}
