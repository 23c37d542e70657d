// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

const chatRetryAfter = "1"

// ChatRateLimitConfig limits /api/v1/chat per caller. Named users are
// keyed by email; guests share one identity and are keyed by client IP.
type ChatRateLimitConfig struct {
	// RequestsPerMinute is the sustained chat rate per caller. Zero disables it.
	RequestsPerMinute int
	Burst             int
	// MaxInFlight caps concurrent chat requests per caller. Zero disables it.
	MaxInFlight int
	// MaxKeys caps the number of callers tracked at once. Zero means 10000.
	MaxKeys int
}

// Validate checks the limits and applies defaults.
func (c *ChatRateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"chat rate limit requests per minute must not be negative (got %d)", c.RequestsPerMinute)
	}
	if c.RequestsPerMinute > 0 && c.Burst <= 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"chat rate limit burst must be positive when requests per minute is set (got burst=%d, rpm=%d)",
			c.Burst, c.RequestsPerMinute)
	}
	if c.MaxInFlight < 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"chat max in-flight requests must not be negative (got %d)", c.MaxInFlight)
	}
	if c.MaxKeys < 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"chat rate limit max keys must not be negative (got %d)", c.MaxKeys)
	}
	if c.MaxKeys == 0 {
		c.MaxKeys = defaultMaxVisitors
	}
	return nil
}

// chatLimiter applies the per-caller request rate and in-flight cap. A nil
// limiter admits everything.
type chatLimiter struct {
	rate        *keyLimiter
	maxInFlight int

	mu       sync.Mutex
	inFlight map[string]int
}

func newChatLimiter(cfg ChatRateLimitConfig, done <-chan struct{}) *chatLimiter {
	if cfg.RequestsPerMinute <= 0 && cfg.MaxInFlight <= 0 {
		return nil
	}
	l := &chatLimiter{maxInFlight: cfg.MaxInFlight, inFlight: make(map[string]int)}
	if cfg.RequestsPerMinute > 0 {
		l.rate = newKeyLimiter(RateLimitConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			Burst:             cfg.Burst,
			MaxVisitors:       cfg.MaxKeys,
		})
		go l.rate.run(done)
	}
	return l
}

func (l *chatLimiter) allow(key string, now time.Time) bool {
	if l == nil || l.rate == nil {
		return true
	}
	return l.rate.allow(key, now)
}

func (l *chatLimiter) acquire(key string) bool {
	if l == nil || l.maxInFlight <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[key] >= l.maxInFlight {
		return false
	}
	l.inFlight[key]++
	return true
}

func (l *chatLimiter) release(key string) {
	if l == nil || l.maxInFlight <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch n := l.inFlight[key]; {
	case n <= 0:
		log.Error().Str("key_hash", hashKey(key)).
			Msg("chat limiter released a slot that was never acquired")
	case n == 1:
		delete(l.inFlight, key)
	default:
		l.inFlight[key] = n - 1
	}
}

type clientIPKey struct{}

// clientIPContext stores the client IP for handlers that only see a
// context. It runs after realIP.
func clientIPContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, clientIP(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// chatLimiterKey keys named users by identity and the shared guest by IP.
func chatLimiterKey(ctx context.Context, user agent.User) (key, keyType string) {
	if user.ID != "" && user.ID != agent.GuestEmail {
		return "user:" + user.ID, "user"
	}
	if ip := clientIPFromContext(ctx); ip != "" {
		return "ip:" + ip, "ip"
	}
	return "ip:unknown", "ip"
}

// hashKey returns the first 8 hex chars of SHA-256(key) for log privacy.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h[:4])
}

// admitChat applies the chat limits for user. On success the returned
// release func must be called once the request finishes.
func (s *Server) admitChat(ctx context.Context, user agent.User) (release func(), err error) {
	if s.chatLimiter == nil {
		return func() {}, nil
	}
	key, keyType := chatLimiterKey(ctx, user)
	if !s.chatLimiter.allow(key, time.Now()) {
		return nil, s.chatTooManyRequests(ctx, "request_rate_exceeded", keyType, key)
	}
	if !s.chatLimiter.acquire(key) {
		return nil, s.chatTooManyRequests(ctx, "in_flight_exceeded", keyType, key)
	}
	return func() { s.chatLimiter.release(key) }, nil
}

func (s *Server) chatTooManyRequests(ctx context.Context, reason, keyType, key string) error {
	s.perf.Inc(logging.CounterRateLimited)
	logging.Ctx(ctx).Warn().
		Str("reason", reason).
		Str("key_type", keyType).
		Str("key_hash", hashKey(key)).
		Msg("chat rate limit exceeded")
	traceID, _ := telemetry.TraceIDs(ctx)
	body := newErrorBody(http.StatusTooManyRequests, wardenerr.CodeServerRateExceeded,
		"Chat rate limit exceeded. Please slow down.", traceID)
	return huma.ErrorWithHeaders(body, http.Header{"Retry-After": []string{chatRetryAfter}})
}
