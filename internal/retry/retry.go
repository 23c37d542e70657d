// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package retry bounds calls to an unreliable dependency with a per-attempt
// timeout, a fixed number of retries and a circuit breaker.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Policy configures one protected call site.
type Policy struct {
	MaxRetries int
	Timeout    time.Duration
	Backoff    time.Duration
	// TimeoutCode is the code reported when an attempt exceeds Timeout,
	// e.g. llm.call.timeout.
	TimeoutCode wardenerr.Code
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	return max(p.MaxRetries, 0) + 1
}

// Do runs op until it succeeds or the policy is exhausted. When b is open
// the call fails fast without an attempt. The breaker is told about the
// outcome once per Do: success after any successful attempt, failure after
// the last failed one. Validation errors and cancellation of the caller's
// context are returned without recording a breaker failure since they say
// nothing about the dependency's health.
func Do[T any](ctx context.Context, p Policy, b *breaker.Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if b != nil && !b.CanPass() {
		return zero, b.OpenError()
	}

	attempts := p.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := runAttempt(ctx, p, op)
		if err == nil {
			if b != nil {
				b.OnSuccess()
			}
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, wardenerr.Wrap(ctx.Err(), p.timeoutCode(), "call cancelled")
		}
		if !wardenerr.Retryable(err) {
			break
		}

		if attempt < attempts {
			log.Warn().
				Err(err).
				Func(telemetry.LogTraceFields(ctx)).
				Int("attempt", attempt).
				Int("max_attempts", attempts).
				Dur("backoff", p.Backoff).
				Msg("call failed, retrying")
			if err := sleep(ctx, p.Backoff); err != nil {
				return zero, wardenerr.Wrap(err, p.timeoutCode(), "call cancelled during backoff")
			}
		}
	}

	if b != nil && wardenerr.KindOf(lastErr) != wardenerr.KindValidation {
		b.OnFailure()
	}
	return zero, lastErr
}

// runAttempt runs one attempt under its own deadline. A deadline hit is
// reported as a fresh timeout error so that an inner code picked up on the
// way out does not mask it.
func runAttempt[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attemptCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	res, err := op(attemptCtx)
	if err == nil {
		return res, nil
	}
	var zero T
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded)) {
		return zero, wardenerr.New(p.timeoutCode(), "call timed out after "+p.Timeout.String(),
			wardenerr.Field("cause", err.Error()))
	}
	return zero, err
}

func (p Policy) timeoutCode() wardenerr.Code {
	if p.TimeoutCode == "" {
		return wardenerr.CodeLLMCallTimeout
	}
	return p.TimeoutCode
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
