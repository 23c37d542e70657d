// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	visitorStaleAfter  = 10 * time.Minute
	visitorSweepPeriod = 5 * time.Minute
	defaultMaxVisitors = 10000
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained request rate per IP. Zero disables limiting.
	RequestsPerMinute int
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxVisitors caps the number of IPs tracked at once; the least recently
	// seen are evicted first. Zero means 10000.
	MaxVisitors int
}

// Validate checks that the RateLimitConfig is valid and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"rate limit requests per minute must not be negative (got %d)", c.RequestsPerMinute)
	}
	if c.RequestsPerMinute > 0 && c.Burst <= 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%d)",
			c.Burst, c.RequestsPerMinute)
	}
	if c.MaxVisitors < 0 {
		return wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxVisitors
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyLimiter keeps one token bucket per client key.
type keyLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newKeyLimiter(cfg RateLimitConfig) *keyLimiter {
	return &keyLimiter{cfg: cfg, visitors: make(map[string]*visitor)}
}

func (l *keyLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60)
		v = &visitor{limiter: rate.NewLimiter(perSecond, l.cfg.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweep drops stale visitors, then evicts the least recently seen ones while
// the map exceeds MaxVisitors. It returns the number of evicted entries.
func (l *keyLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	type entry struct {
		ip       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.visitors))
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorStaleAfter {
			delete(l.visitors, ip)
			continue
		}
		entries = append(entries, entry{ip: ip, lastSeen: v.lastSeen})
	}

	if l.cfg.MaxVisitors <= 0 || len(entries) <= l.cfg.MaxVisitors {
		return 0
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.lastSeen.Compare(b.lastSeen) })
	evict := len(entries) - l.cfg.MaxVisitors
	for _, e := range entries[:evict] {
		delete(l.visitors, e.ip)
	}
	return evict
}

func (l *keyLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *keyLimiter) run(done <-chan struct{}) {
	ticker := time.NewTicker(visitorSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if evicted := l.sweep(now); evicted > 0 {
				log.Warn().
					Int("evicted", evicted).
					Int("max_visitors", l.cfg.MaxVisitors).
					Msg("rate limiter visitor map cap enforced")
			}
		case <-done:
			return
		}
	}
}

// rateLimitMiddleware returns middleware that enforces per-IP rate limits.
// Returns a pass-through middleware when cfg.RequestsPerMinute is zero.
// The done channel stops the sweep goroutine.
func rateLimitMiddleware(cfg RateLimitConfig, perf *logging.PerfRecorder, done <-chan struct{}) func(http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	l := newKeyLimiter(cfg)
	go l.run(done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// realIP has already rewritten RemoteAddr for trusted proxies.
			ip := clientIP(r.RemoteAddr)

			if !l.allow(ip, time.Now()) {
				perf.Inc(logging.CounterRateLimited)
				logging.Ctx(r.Context()).Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, wardenerr.CodeServerRateExceeded, "Rate limit exceeded. Please slow down.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
