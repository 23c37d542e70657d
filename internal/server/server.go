// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sqlwarden/sqlwarden/internal/agent"
	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/contextsrc"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxPayloadBytes = 1 << 20
	DefaultSlowRequestMs   = 2000
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxPayloadBytes caps request bodies; larger bodies get a 413.
	MaxPayloadBytes int64
	// SlowRequestMs is the latency above which a request is logged as slow.
	SlowRequestMs int
	RateLimit     RateLimitConfig
	// TrustedProxies lists the CIDR ranges or addresses whose forwarded
	// headers are believed. Empty means the peer address is always used.
	TrustedProxies []string
	ChatRateLimit  ChatRateLimitConfig
}

// ChatAgent answers one chat message.
type ChatAgent interface {
	ProcessMessage(ctx context.Context, msg agent.InboundMessage) (*agent.OutboundMessage, error)
}

// Probe checks a dependency and returns nil when it is reachable.
type Probe func(ctx context.Context) error

// RuntimeInfo describes the running service on the health endpoints.
type RuntimeInfo struct {
	Service     string
	Version     string
	LLMProvider string
	LLMModel    string
	DBProvider  string
}

// Services holds the dependencies the API routes call into. Nil members
// make their routes answer 503.
type Services struct {
	Agent            ChatAgent
	Guard            *sqlguard.Guard
	Breakers         *breaker.Registry
	Perf             *logging.PerfRecorder
	DBProbe          Probe
	LLMProbe         Probe
	Semantic         *contextsrc.SemanticProvider
	MetadataFile     string
	MaxMessageLength int
	Info             RuntimeInfo
}

// Server wraps a chi router with huma API and HTTP server.
type Server struct {
	router   chi.Router
	api      huma.API
	cfg      Config
	services *Services
	perf     *logging.PerfRecorder
	started  time.Time

	chatLimiter *chatLimiter

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server with the middleware chain and every API route
// registered against svc.
func New(cfg Config, svc *Services) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, wardenerr.New(wardenerr.CodeServerConfigInvalid, "listen address is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ChatRateLimit.Validate(); err != nil {
		return nil, err
	}
	trusted, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.SlowRequestMs <= 0 {
		cfg.SlowRequestMs = DefaultSlowRequestMs
	}
	if svc == nil {
		svc = &Services{}
	}
	if svc.Perf == nil {
		svc.Perf = logging.NewPerfRecorder()
	}
	if svc.Breakers == nil {
		svc.Breakers = breaker.NewRegistry()
	}
	if svc.Info.Service == "" {
		svc.Info.Service = "sqlwarden"
	}

	installErrorFormat()

	s := &Server{
		cfg:      cfg,
		services: svc,
		perf:     svc.Perf,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	s.chatLimiter = newChatLimiter(cfg.ChatRateLimit, s.done)

	r := chi.NewRouter()
	r.Use(correlate)
	r.Use(recoverer)
	r.Use(realIP(trusted))
	r.Use(clientIPContext)
	r.Use(telemetry.Middleware())
	r.Use(securityHeaders)
	r.Use(s.accessLog)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimit, s.perf, s.done))
	r.Use(limitPayload(cfg.MaxPayloadBytes))

	humaConfig := huma.DefaultConfig("SQLWarden API", svc.Info.Version)
	humaConfig.Info.Description = "Hardened text-to-SQL gateway"
	api := humachi.New(r, humaConfig)

	s.router = r
	s.api = api
	s.registerRoutes()
	return s, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Close stops background goroutines started by the middleware.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return wardenerr.Errorf(wardenerr.CodeServerStartFailure, "listening on %s: %w", s.cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logging.Ctx(ctx).Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return wardenerr.Errorf(wardenerr.CodeServerStartFailure, "serving: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return wardenerr.Errorf(wardenerr.CodeServerShutdownFailure, "shutting down: %w", err)
	}

	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerTraceID, headerSpanID},
		ExposedHeaders:   []string{headerTraceID, headerSpanID},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
