// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package breaker

import (
	"context"
	"sync"
	"time"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/sqlwarden/sqlwarden/pkg/health"
)

// State is the breaker's position in the CLOSED -> OPEN -> HALF_OPEN cycle.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected without an attempt
	StateHalfOpen              // calls pass through to probe recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Default thresholds. New applies the counts when unset; the reset
// timeout default is applied by configuration loading.
const (
	DefaultFailureThreshold         = 3
	DefaultResetTimeout             = 30 * time.Second
	DefaultHalfOpenSuccessThreshold = 1
)

// Config holds the thresholds for one protected resource.
type Config struct {
	FailureThreshold         int           `mapstructure:"failure_threshold"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	HalfOpenSuccessThreshold int           `mapstructure:"half_open_success_threshold"`
}

// Breaker is a three-state failure gate around one unreliable resource.
// It is created once per resource and shared by every request; the mutex
// is held only for counter updates, never across the guarded call.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failures          int64
	lastFailure       time.Time
	halfOpenSuccesses int64
	nowFunc           func() time.Time // for testing
}

// New creates a closed breaker. A negative threshold or timeout is a
// configuration error and zero thresholds take the package defaults.
// A zero ResetTimeout is kept: an open breaker is then immediately eligible
// for a half-open probe.
func New(name string, cfg Config) (*Breaker, error) {
	if cfg.FailureThreshold < 0 || cfg.HalfOpenSuccessThreshold < 0 || cfg.ResetTimeout < 0 {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"breaker %s: thresholds and reset timeout must not be negative", name)
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.HalfOpenSuccessThreshold == 0 {
		cfg.HalfOpenSuccessThreshold = DefaultHalfOpenSuccessThreshold
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		nowFunc: time.Now,
	}, nil
}

// Name returns the protected resource name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without attempting a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanPass reports whether a call may proceed. The only mutation it performs
// is OPEN -> HALF_OPEN once ResetTimeout has elapsed since the last failure;
// the call that observes this transition is let through.
func (b *Breaker) CanPass() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		return true
	}
	return false
}

// OnSuccess resets the failure count and advances HALF_OPEN toward CLOSED.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateHalfOpen {
		b.state = StateClosed
		return
	}
	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= int64(b.cfg.HalfOpenSuccessThreshold) {
		b.state = StateClosed
		b.halfOpenSuccesses = 0
	}
}

// OnFailure records a failure. The breaker opens once FailureThreshold
// consecutive failures are reached, and a failure while HALF_OPEN reopens
// it immediately with a fresh failure clock.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.nowFunc()
	if b.state == StateHalfOpen || b.failures >= int64(b.cfg.FailureThreshold) {
		b.state = StateOpen
		b.halfOpenSuccesses = 0
	}
}

// OpenError returns the fail-fast error reported while the breaker is open.
func (b *Breaker) OpenError() error {
	return wardenerr.New(wardenerr.CodeBreakerCallOpen, "circuit breaker "+b.name+" is open",
		wardenerr.FieldResource(b.name))
}

// Call runs fn when the breaker allows it and routes the outcome to
// OnSuccess or OnFailure. The error returned by fn is passed back unchanged.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.CanPass() {
		return b.OpenError()
	}
	if err := fn(ctx); err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// SetNowFunc overrides the time source (for testing).
func (b *Breaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	b.nowFunc = fn
	b.mu.Unlock()
}

// Metrics returns a point-in-time snapshot of the breaker's state. It does
// not trigger the OPEN -> HALF_OPEN transition.
func (b *Breaker) Metrics() health.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := health.Metrics{
		Name:              b.name,
		State:             b.state.String(),
		FailureCount:      b.failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		Available:         b.state != StateOpen,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		m.LastFailureAt = &t
	}
	if b.state == StateOpen {
		retry := b.lastFailure.Add(b.cfg.ResetTimeout)
		m.RetryAfter = &retry
		m.Available = !b.nowFunc().Before(retry)
	}
	return m
}
