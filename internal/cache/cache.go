// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package cache stores final chat answers in redis so a repeated question
// with the same context skips the LLM.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "sqlwarden_cache"

// Entry is a cached answer.
type Entry struct {
	Answer    string    `json:"answer"`
	SQL       string    `json:"sql,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a best-effort answer cache. Lookups that fail for any reason are
// misses and failed writes are dropped.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, e *Entry)
}

// Key derives the cache key for a question. The digest covers the question,
// the injected context and the conversation so an answer is never served
// across users or after the schema changes.
func Key(userID, question, contextText, conversationID string) string {
	sum := sha256.Sum256([]byte(question + contextText + conversationID))
	return KeyPrefix + ":" + userID + ":" + hex.EncodeToString(sum[:])
}

// Noop never hits.
type Noop struct{}

func (Noop) Get(context.Context, string) (*Entry, bool) { return nil, false }
func (Noop) Set(context.Context, string, *Entry)        {}

// Options configures the redis client.
type Options struct {
	URL          string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is a Store backed by go-redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the redis server at opts.URL. The connection is not
// verified; call Ping to check it.
func NewRedis(opts Options) (*Redis, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "cache.redis_url: %w", err)
	}
	ropts.DialTimeout = durationOr(opts.DialTimeout, 5*time.Second)
	ropts.ReadTimeout = durationOr(opts.ReadTimeout, 3*time.Second)
	ropts.WriteTimeout = durationOr(opts.WriteTimeout, 3*time.Second)
	return &Redis{client: redis.NewClient(ropts), ttl: opts.TTL}, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodePipelineCacheFailure, "pinging redis")
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("cache lookup failed")
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return &e, true
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, e *Entry) {
	if e == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Msg("encoding cache entry")
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("cache write failed")
	}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
