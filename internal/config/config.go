// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package config

import (
	"errors"
	"io/fs"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/secrets"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// SQLWARDEN_LLM_MAX_PROMPT_CHARS.
const EnvPrefix = "SQLWARDEN"

// Allow-list lookup failure policies.
const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"
)

// Config is the top-level SQLWarden configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Context   ContextConfig   `mapstructure:"context"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP listener and its middleware.
type ServerConfig struct {
	Listen          string          `mapstructure:"listen"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	MaxPayloadBytes int64           `mapstructure:"max_payload_bytes"`
	SlowRequestMs   int             `mapstructure:"slow_request_ms"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	// TrustedProxies lists CIDR ranges or addresses allowed to set
	// X-Forwarded-For. Empty trusts no proxy.
	TrustedProxies []string            `mapstructure:"trusted_proxies"`
	ChatRateLimit  ChatRateLimitConfig `mapstructure:"chat_rate_limit"`
}

// RateLimitConfig sets the per-client request budget.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// ChatRateLimitConfig sets the per-user chat budget. Guests are keyed by IP.
type ChatRateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
	MaxInFlight       int `mapstructure:"max_in_flight"`
}

// LLMConfig selects the model endpoint and the guardrails around calling it.
type LLMConfig struct {
	Provider       string         `mapstructure:"provider"`
	Model          string         `mapstructure:"model"`
	APIKey         string         `mapstructure:"api_key"`
	BaseURL        string         `mapstructure:"base_url"`
	MaxTokens      int            `mapstructure:"max_tokens"`
	MaxPromptChars int            `mapstructure:"max_prompt_chars"`
	MaxRetries     int            `mapstructure:"max_retries"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	RetryBackoff   time.Duration  `mapstructure:"retry_backoff"`
	StrictFallback bool           `mapstructure:"strict_fallback"`
	Breaker        breaker.Config `mapstructure:"breaker"`
}

// DatabaseConfig selects the SQL backend and the guardrails around it.
type DatabaseConfig struct {
	Provider     string         `mapstructure:"provider"`
	DSN          string         `mapstructure:"dsn"`
	Schema       string         `mapstructure:"schema"`
	MaxOpenConns int            `mapstructure:"max_open_conns"`
	QueryTimeout time.Duration  `mapstructure:"query_timeout"`
	MaxRetries   int            `mapstructure:"max_retries"`
	RetryBackoff time.Duration  `mapstructure:"retry_backoff"`
	MaxRows      int            `mapstructure:"max_rows"`
	Breaker      breaker.Config `mapstructure:"breaker"`
}

// GuardConfig configures the SQL and prompt screening layers.
type GuardConfig struct {
	AllowedVerbs     []string `mapstructure:"allowed_verbs"`
	DestructiveVerbs []string `mapstructure:"destructive_verbs"`
	BlockPatterns    []string `mapstructure:"block_patterns"`
	MaxMessageLength int      `mapstructure:"max_message_length"`
	AllowListPolicy  string   `mapstructure:"allow_list_policy"`
	// AllowListRefresh is a cron expression for reloading the allow-list
	// from the catalog. Empty disables the refresher.
	AllowListRefresh string `mapstructure:"allow_list_refresh"`
}

// ContextConfig points at the schema documentation injected into prompts.
type ContextConfig struct {
	SchemaLimit   int    `mapstructure:"schema_limit"`
	SemanticDir   string `mapstructure:"semantic_dir"`
	SemanticLimit int    `mapstructure:"semantic_limit"`
	DbtManifest   string `mapstructure:"dbt_manifest"`
	DbtCatalog    string `mapstructure:"dbt_catalog"`
	DbtLimit      int    `mapstructure:"dbt_limit"`
	MetadataFile  string `mapstructure:"metadata_file"`
}

// AgentConfig tunes the chat loop.
type AgentConfig struct {
	// AuditLog is a JSON-lines file receiving one entry per agent action.
	// Empty disables auditing.
	AuditLog            string `mapstructure:"audit_log"`
	MaxConversations    int    `mapstructure:"max_conversations"`
	HistoryWindow       int    `mapstructure:"history_window"`
	MaxToolCallsPerTurn int    `mapstructure:"max_tool_calls_per_turn"`
	Timezone            string `mapstructure:"timezone"`
}

// CacheConfig enables the redis response cache when RedisURL is set.
type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// TelemetryConfig toggles trace export.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Supported provider names.
var (
	LLMProviders = []string{"lmstudio", "openai", "groq", "gemini", "anthropic", "google"}
	DBProviders  = []string{"sqlite", "oracle", "mssql"}
)

// SetDefaults registers every configuration key with its default so that
// environment overrides are visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:7777")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_payload_bytes", 1<<20)
	v.SetDefault("server.slow_request_ms", 2000)
	v.SetDefault("server.rate_limit.requests_per_minute", 60)
	v.SetDefault("server.rate_limit.burst", 60)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.chat_rate_limit.requests_per_minute", 20)
	v.SetDefault("server.chat_rate_limit.burst", 5)
	v.SetDefault("server.chat_rate_limit.max_in_flight", 2)

	v.SetDefault("llm.provider", "lmstudio")
	v.SetDefault("llm.model", "gemma-3n")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.max_prompt_chars", 12000)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.retry_backoff", time.Second)
	v.SetDefault("llm.strict_fallback", false)
	v.SetDefault("llm.breaker.failure_threshold", breaker.DefaultFailureThreshold)
	v.SetDefault("llm.breaker.reset_timeout", breaker.DefaultResetTimeout)
	v.SetDefault("llm.breaker.half_open_success_threshold", breaker.DefaultHalfOpenSuccessThreshold)

	v.SetDefault("database.provider", "sqlite")
	v.SetDefault("database.dsn", "sqlwarden.db")
	v.SetDefault("database.schema", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.query_timeout", 15*time.Second)
	v.SetDefault("database.max_retries", 1)
	v.SetDefault("database.retry_backoff", 500*time.Millisecond)
	v.SetDefault("database.max_rows", 200)
	v.SetDefault("database.breaker.failure_threshold", breaker.DefaultFailureThreshold)
	v.SetDefault("database.breaker.reset_timeout", breaker.DefaultResetTimeout)
	v.SetDefault("database.breaker.half_open_success_threshold", breaker.DefaultHalfOpenSuccessThreshold)

	v.SetDefault("guard.allowed_verbs", []string{})
	v.SetDefault("guard.destructive_verbs", []string{})
	v.SetDefault("guard.block_patterns", []string{})
	v.SetDefault("guard.max_message_length", 4000)
	v.SetDefault("guard.allow_list_policy", PolicyFailClosed)
	v.SetDefault("guard.allow_list_refresh", "@every 15m")

	v.SetDefault("context.schema_limit", 4000)
	v.SetDefault("context.semantic_dir", "")
	v.SetDefault("context.semantic_limit", 6000)
	v.SetDefault("context.dbt_manifest", "")
	v.SetDefault("context.dbt_catalog", "")
	v.SetDefault("context.dbt_limit", 4000)
	v.SetDefault("context.metadata_file", "")

	v.SetDefault("agent.audit_log", "")
	v.SetDefault("agent.max_conversations", 1000)
	v.SetDefault("agent.history_window", 20)
	v.SetDefault("agent.max_tool_calls_per_turn", 6)
	v.SetDefault("agent.timezone", "UTC")

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")

	v.SetDefault("telemetry.enabled", false)
}

// SetupEnv binds SQLWARDEN_* environment variables to configuration keys.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads a .env file into the process environment when present.
// Variables already set in the environment win over the file.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the given path (or defaults) with .env and
// environment variable overrides (prefix SQLWARDEN_).
func Load(path string) (*Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with keyring://service/key values resolved against store.
// A reference that cannot be resolved is a validation error naming the key.
func LoadWith(path string, store secrets.Store) (*Config, error) {
	if err := LoadDotEnv(""); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
		WarnInsecurePermissions(path)
	}

	if store != nil {
		if unresolved := secrets.ResolveViper(v, store); len(unresolved) > 0 {
			return nil, invalid("keyring references could not be resolved: %s", strings.Join(unresolved, ", "))
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	cfg.normalize()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	c.Database.Provider = strings.ToLower(strings.TrimSpace(c.Database.Provider))
	c.Guard.AllowListPolicy = strings.ToLower(strings.TrimSpace(c.Guard.AllowListPolicy))
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateDatabase()...)
	errs = append(errs, c.validateGuard()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateCache()...)

	return errs
}

func invalid(format string, args ...any) error {
	return wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, invalid("server.listen must not be empty"))
	} else {
		_, portStr, err := net.SplitHostPort(c.Server.Listen)
		if err != nil {
			errs = append(errs, invalid("server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
		} else if port, err := strconv.Atoi(portStr); err != nil {
			errs = append(errs, invalid("server.listen port must be a number, got %q", portStr))
		} else if port < 1 || port > 65535 {
			errs = append(errs, invalid("server.listen port must be between 1 and 65535, got %d", port))
		}
	}

	if c.Server.MaxPayloadBytes <= 0 {
		errs = append(errs, invalid("server.max_payload_bytes must be greater than 0, got %d", c.Server.MaxPayloadBytes))
	}
	if c.Server.SlowRequestMs <= 0 {
		errs = append(errs, invalid("server.slow_request_ms must be greater than 0, got %d", c.Server.SlowRequestMs))
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, invalid("server.rate_limit.requests_per_minute must not be negative, got %d", c.Server.RateLimit.RequestsPerMinute))
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxyEntry(p) {
			errs = append(errs, invalid("server.trusted_proxies entries must be CIDR ranges or IP addresses, got %q", p))
		}
	}
	chat := c.Server.ChatRateLimit
	if chat.RequestsPerMinute < 0 || chat.MaxInFlight < 0 {
		errs = append(errs, invalid("server.chat_rate_limit values must not be negative, got requests_per_minute=%d max_in_flight=%d", chat.RequestsPerMinute, chat.MaxInFlight))
	}
	if chat.RequestsPerMinute > 0 && chat.Burst <= 0 {
		errs = append(errs, invalid("server.chat_rate_limit.burst must be positive when requests_per_minute is set, got %d", chat.Burst))
	}

	return errs
}

func validProxyEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func (c *Config) validateLLM() []error {
	var errs []error

	if !slices.Contains(LLMProviders, c.LLM.Provider) {
		errs = append(errs, invalid("llm.provider must be one of %v, got %q", LLMProviders, c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, invalid("llm.model must not be empty"))
	}
	if c.LLM.Provider != "lmstudio" && c.LLM.APIKey == "" {
		errs = append(errs, invalid("llm.api_key is required for provider %q", c.LLM.Provider))
	}
	if c.LLM.MaxPromptChars <= 0 {
		errs = append(errs, invalid("llm.max_prompt_chars must be greater than 0, got %d", c.LLM.MaxPromptChars))
	}
	errs = append(errs, validateRetry("llm", c.LLM.MaxRetries, c.LLM.Timeout, c.LLM.RetryBackoff)...)
	errs = append(errs, validateBreaker("llm", c.LLM.Breaker)...)

	return errs
}

func (c *Config) validateDatabase() []error {
	var errs []error

	if !slices.Contains(DBProviders, c.Database.Provider) {
		errs = append(errs, invalid("database.provider must be one of %v, got %q", DBProviders, c.Database.Provider))
	}
	if c.Database.DSN == "" {
		errs = append(errs, invalid("database.dsn must not be empty"))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, invalid("database.max_open_conns must be greater than 0, got %d", c.Database.MaxOpenConns))
	}
	if c.Database.MaxRows <= 0 {
		errs = append(errs, invalid("database.max_rows must be greater than 0, got %d", c.Database.MaxRows))
	}
	errs = append(errs, validateRetry("database", c.Database.MaxRetries, c.Database.QueryTimeout, c.Database.RetryBackoff)...)
	errs = append(errs, validateBreaker("database", c.Database.Breaker)...)

	return errs
}

func (c *Config) validateGuard() []error {
	var errs []error

	if c.Guard.MaxMessageLength <= 0 {
		errs = append(errs, invalid("guard.max_message_length must be greater than 0, got %d", c.Guard.MaxMessageLength))
	}
	if c.Guard.AllowListPolicy != PolicyFailOpen && c.Guard.AllowListPolicy != PolicyFailClosed {
		errs = append(errs, invalid("guard.allow_list_policy must be one of [%s, %s], got %q",
			PolicyFailOpen, PolicyFailClosed, c.Guard.AllowListPolicy))
	}
	if c.Guard.AllowListRefresh != "" {
		if _, err := cron.ParseStandard(c.Guard.AllowListRefresh); err != nil {
			errs = append(errs, invalid("guard.allow_list_refresh is not a valid schedule %q: %w", c.Guard.AllowListRefresh, err))
		}
	}
	for i, p := range c.Guard.BlockPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, invalid("guard.block_patterns[%d] is not a valid regular expression: %w", i, err))
		}
	}

	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error
	if c.Agent.MaxConversations < 0 {
		errs = append(errs, invalid("agent.max_conversations must not be negative, got %d", c.Agent.MaxConversations))
	}
	if c.Agent.HistoryWindow < 0 {
		errs = append(errs, invalid("agent.history_window must not be negative, got %d", c.Agent.HistoryWindow))
	}
	if c.Agent.MaxToolCallsPerTurn < 0 {
		errs = append(errs, invalid("agent.max_tool_calls_per_turn must not be negative, got %d", c.Agent.MaxToolCallsPerTurn))
	}
	if c.Agent.Timezone != "" {
		if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
			errs = append(errs, invalid("agent.timezone %q: %w", c.Agent.Timezone, err))
		}
	}
	return errs
}

func (c *Config) validateCache() []error {
	if c.Cache.RedisURL != "" && c.Cache.TTL <= 0 {
		return []error{invalid("cache.ttl must be greater than 0 when cache.redis_url is set, got %s", c.Cache.TTL)}
	}
	return nil
}

func validateRetry(section string, maxRetries int, timeout, backoff time.Duration) []error {
	var errs []error
	if maxRetries < 0 {
		errs = append(errs, invalid("%s.max_retries must not be negative, got %d", section, maxRetries))
	}
	if timeout <= 0 {
		errs = append(errs, invalid("%s timeout must be greater than 0, got %s", section, timeout))
	}
	if backoff < 0 {
		errs = append(errs, invalid("%s.retry_backoff must not be negative, got %s", section, backoff))
	}
	return errs
}

func validateBreaker(section string, b breaker.Config) []error {
	var errs []error
	if b.FailureThreshold <= 0 {
		errs = append(errs, invalid("%s.breaker.failure_threshold must be greater than 0, got %d", section, b.FailureThreshold))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, invalid("%s.breaker.reset_timeout must not be negative, got %s", section, b.ResetTimeout))
	}
	if b.HalfOpenSuccessThreshold <= 0 {
		errs = append(errs, invalid("%s.breaker.half_open_success_threshold must be greater than 0, got %d", section, b.HalfOpenSuccessThreshold))
	}
	return errs
}
