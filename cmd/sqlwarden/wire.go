// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/budget"
	"github.com/sqlwarden/sqlwarden/internal/cache"
	"github.com/sqlwarden/sqlwarden/internal/config"
	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/pipeline"
	"github.com/sqlwarden/sqlwarden/internal/provider"
	anthropicprov "github.com/sqlwarden/sqlwarden/internal/provider/anthropic"
	googleprov "github.com/sqlwarden/sqlwarden/internal/provider/google"
	openaiprov "github.com/sqlwarden/sqlwarden/internal/provider/openai"
	"github.com/sqlwarden/sqlwarden/internal/retry"
	"github.com/sqlwarden/sqlwarden/internal/security/scanner"
	"github.com/sqlwarden/sqlwarden/internal/server"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	"github.com/sqlwarden/sqlwarden/internal/sqlrunner"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// llmProbeTimeout bounds the "ping" chat sent by the model status check.
const llmProbeTimeout = 20 * time.Second

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Config    *config.Config
	Server    *server.Server
	Runner    *sqlrunner.Runner
	Guard     *sqlguard.Guard
	Breakers  *breaker.Registry
	Providers *provider.Registry
	Pipeline  *pipeline.Pipeline
	Agent     *agent.Loop
	Perf      *logging.PerfRecorder

	refresher *sqlguard.Refresher
	closers   []func() error
}

// providerFactory builds the configured model client. Tests replace it to
// avoid network clients.
var providerFactory = newProvider

func newProvider(ctx context.Context, cfg config.LLMConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropicprov.New(anthropicprov.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case "google":
		return googleprov.New(ctx, googleprov.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case "lmstudio", "openai", "groq", "gemini":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = openaiprov.DefaultBaseURL(cfg.Provider)
		}
		return openaiprov.New(openaiprov.Config{Name: cfg.Provider, APIKey: cfg.APIKey, BaseURL: baseURL})
	default:
		return nil, wardenerr.Errorf(wardenerr.CodeConfigProviderUnsupported, "unsupported llm provider %q", cfg.Provider)
	}
}

// openGuard connects to the database and builds the SQL guard over it. The
// caller owns the returned runner.
func openGuard(cfg *config.Config) (*sqlguard.Guard, *sqlrunner.Runner, error) {
	runner, err := sqlrunner.Open(sqlrunner.Config{
		Provider:     cfg.Database.Provider,
		DSN:          cfg.Database.DSN,
		Schema:       cfg.Database.Schema,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxRows:      cfg.Database.MaxRows,
	})
	if err != nil {
		return nil, nil, err
	}
	guard := sqlguard.NewGuard(
		sqlguard.NewValidator(cfg.Database.Provider, cfg.Guard.AllowedVerbs, cfg.Guard.DestructiveVerbs),
		sqlguard.NewAllowList(runner, sqlguard.Policy(cfg.Guard.AllowListPolicy)),
	)
	return guard, runner, nil
}

// contextProviders assembles the prompt context sources that are configured.
func contextProviders(cfg config.ContextConfig, dbProvider string, schema *contextsrc.SchemaProvider) (*contextsrc.Multi, *contextsrc.SemanticProvider) {
	providers := []contextsrc.Provider{schema}

	var semantic *contextsrc.SemanticProvider
	if cfg.SemanticDir != "" {
		semantic = contextsrc.NewSemanticProvider(cfg.SemanticDir, cfg.SemanticLimit)
		providers = append(providers, semantic)
	}
	if cfg.DbtManifest != "" {
		providers = append(providers, contextsrc.NewDbtProvider(cfg.DbtManifest, cfg.DbtCatalog, dbProvider, cfg.DbtLimit))
	}
	if cfg.MetadataFile != "" {
		providers = append(providers, contextsrc.NewMetadataProvider(cfg.MetadataFile))
	}
	return contextsrc.NewMulti(providers...), semantic
}

// WireApp creates all subsystems and wires them together. On error every
// subsystem created so far is closed.
func WireApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{
		Config:    cfg,
		Breakers:  breaker.NewRegistry(),
		Providers: provider.NewRegistry(),
		Perf:      logging.NewPerfRecorder(),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	shutdown, err := telemetry.Setup("sqlwarden", version, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "setting up telemetry: %w", err)
	}
	app.closers = append(app.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	// 1. Circuit breakers, one per external dependency.
	llmBreaker, err := app.Breakers.Register(breaker.ResourceLLM, cfg.LLM.Breaker)
	if err != nil {
		return nil, err
	}
	dbBreaker, err := app.Breakers.Register(breaker.ResourceDatabase, cfg.Database.Breaker)
	if err != nil {
		return nil, err
	}

	// 2. Database and SQL guard.
	guard, runner, err := openGuard(cfg)
	if err != nil {
		return nil, err
	}
	app.Guard, app.Runner = guard, runner
	app.closers = append(app.closers, runner.Close)

	if cfg.Guard.AllowListRefresh != "" {
		app.refresher, err = sqlguard.NewRefresher(guard.AllowList(), cfg.Guard.AllowListRefresh)
		if err != nil {
			return nil, err
		}
	}

	// 3. Model provider.
	llm, err := providerFactory(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	app.Providers.Register(cfg.LLM.Provider, llm)
	app.closers = append(app.closers, app.Providers.Close)

	// 4. Prompt screening, budgeting and context.
	filter, err := scanner.NewFilter(scanner.FilterConfig{
		MaxMessageLength: cfg.Guard.MaxMessageLength,
		BlockPatterns:    cfg.Guard.BlockPatterns,
	})
	if err != nil {
		return nil, err
	}
	// The schema text follows the allow-list: a reload drops the cached DDL.
	schemaContext := contextsrc.NewSchemaProvider(runner, cfg.Context.SchemaLimit)
	guard.AllowList().OnReload(schemaContext.Invalidate)
	promptContext, semantic := contextProviders(cfg.Context, cfg.Database.Provider, schemaContext)

	// 5. Response cache.
	var store cache.Store = cache.Noop{}
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedis(cache.Options{URL: cfg.Cache.RedisURL, TTL: cfg.Cache.TTL})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rc.Close)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rc.Ping(pctx); err != nil {
			log.Warn().Err(err).Msg("response cache unreachable; requests will bypass it until it recovers")
		}
		cancel()
		store = rc
	}

	// 6. Request pipeline.
	app.Pipeline, err = pipeline.New(pipeline.Config{
		Provider: llm,
		Breaker:  llmBreaker,
		Retry: retry.Policy{
			MaxRetries: cfg.LLM.MaxRetries,
			Timeout:    cfg.LLM.Timeout,
			Backoff:    cfg.LLM.RetryBackoff,
		},
		Budgeter: budget.New(cfg.LLM.MaxPromptChars, cfg.LLM.StrictFallback),
		Filter:   filter,
		Context:  promptContext,
		Guidance: guard.AllowList(),
		Cache:    store,
		Perf:     app.Perf,
	})
	if err != nil {
		return nil, err
	}

	// 7. Agent loop with its tools, memory and audit trail.
	var auditor agent.Auditor
	if cfg.Agent.AuditLog != "" {
		fa, err := agent.NewFileAuditor(cfg.Agent.AuditLog)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, fa.Close)
		auditor = fa
	}

	registry, err := agent.DefaultToolRegistry()
	if err != nil {
		return nil, err
	}
	tools, err := agent.NewToolDispatcher(agent.ToolDispatcherConfig{
		Registry: registry,
		Guard:    guard,
		Runner:   runner,
		Breaker:  dbBreaker,
		Retry: retry.Policy{
			MaxRetries: cfg.Database.MaxRetries,
			Timeout:    cfg.Database.QueryTimeout,
			Backoff:    cfg.Database.RetryBackoff,
		},
		Filter:  filter,
		Auditor: auditor,
		Perf:    app.Perf,
	})
	if err != nil {
		return nil, err
	}

	app.Agent, err = agent.NewLoop(agent.LoopConfig{
		Pipeline:            app.Pipeline,
		Tools:               tools,
		Sessions:            agent.NewSessionManager(cfg.Agent.MaxConversations, cfg.Agent.HistoryWindow),
		Filter:              filter,
		Auditor:             auditor,
		Model:               cfg.LLM.Model,
		MaxTokens:           cfg.LLM.MaxTokens,
		Timezone:            cfg.Agent.Timezone,
		MaxToolCallsPerTurn: cfg.Agent.MaxToolCallsPerTurn,
	})
	if err != nil {
		return nil, err
	}

	// 8. HTTP server.
	app.Server, err = server.New(server.Config{
		ListenAddr:      cfg.Server.Listen,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		SlowRequestMs:   cfg.Server.SlowRequestMs,
		RateLimit: server.RateLimitConfig{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		TrustedProxies: cfg.Server.TrustedProxies,
		ChatRateLimit: server.ChatRateLimitConfig{
			RequestsPerMinute: cfg.Server.ChatRateLimit.RequestsPerMinute,
			Burst:             cfg.Server.ChatRateLimit.Burst,
			MaxInFlight:       cfg.Server.ChatRateLimit.MaxInFlight,
		},
	}, &server.Services{
		Agent:            app.Agent,
		Guard:            guard,
		Breakers:         app.Breakers,
		Perf:             app.Perf,
		DBProbe:          dbProbe(runner, dbBreaker),
		LLMProbe:         llmProbe(llm, llmBreaker, cfg.LLM.Model),
		Semantic:         semantic,
		MetadataFile:     cfg.Context.MetadataFile,
		MaxMessageLength: cfg.Guard.MaxMessageLength,
		Info: server.RuntimeInfo{
			Service:     "sqlwarden",
			Version:     version,
			LLMProvider: cfg.LLM.Provider,
			LLMModel:    cfg.LLM.Model,
			DBProvider:  cfg.Database.Provider,
		},
	})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Server.Close)

	return app, nil
}

// dbProbe pings the database through its breaker.
func dbProbe(runner *sqlrunner.Runner, b *breaker.Breaker) server.Probe {
	return func(ctx context.Context) error {
		return b.Call(ctx, runner.Ping)
	}
}

// llmProbe sends a one-word chat through the model breaker.
func llmProbe(p provider.Provider, b *breaker.Breaker, model string) server.Probe {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, llmProbeTimeout)
		defer cancel()
		return b.Call(ctx, func(ctx context.Context) error {
			events, err := p.Chat(ctx, provider.ChatRequest{
				Model:    model,
				Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "ping"}},
				Options:  provider.ChatOptions{MaxTokens: 8},
			})
			if err != nil {
				return err
			}
			_, err = provider.Collect(ctx, p.Name(), events)
			return err
		})
	}
}

// Start begins the allow-list refresher and serves HTTP until ctx is
// cancelled.
func (a *App) Start(ctx context.Context) error {
	if a.refresher != nil {
		a.refresher.Start()
		defer a.refresher.Stop()
	}

	// Warm the allow-list so the first question does not pay for the catalog
	// lookup. Failure is logged by the allow-list and retried on demand.
	go func() {
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if tables, ok := a.Guard.AllowList().Load(wctx); ok {
			log.Info().Int("tables", len(tables)).Msg("allow-list loaded")
		}
	}()

	return a.Server.Start(ctx)
}

// Close releases every subsystem in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
