// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/sqlwarden/sqlwarden/pkg/health"
)

const probeTimeout = 5 * time.Second

// Dependency and overall status values.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDegraded = "degraded"
	StatusUnknown  = "unknown"
)

// HealthBody is the JSON body of the liveness endpoint.
type HealthBody struct {
	Status        string    `json:"status" example:"ok" doc:"Health status"`
	Service       string    `json:"service" example:"sqlwarden"`
	Version       string    `json:"version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	LLMProvider   string    `json:"llm_provider,omitempty"`
	LLMModel      string    `json:"llm_model,omitempty"`
	DBProvider    string    `json:"db_provider,omitempty"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}

// DependencyStatus reports the reachability of one backend.
type DependencyStatus struct {
	Status    string          `json:"status" enum:"ok,error,unknown"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   string          `json:"message,omitempty"`
	LatencyMs *float64        `json:"latency_ms,omitempty"`
	Breaker   *health.Metrics `json:"breaker,omitempty"`
}

// ReadyBody is the JSON body of the readiness endpoint.
type ReadyBody struct {
	Status   string           `json:"status" enum:"ok,degraded,error"`
	Database DependencyStatus `json:"database"`
	LLM      DependencyStatus `json:"llm"`
	TraceID  string           `json:"trace_id,omitempty"`
}

type readyOutput struct {
	Status int
	Body   ReadyBody
}

// PerfBody carries recent latency samples and their averages.
type PerfBody struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	LLMRecentMs []float64 `json:"llm_recent_ms"`
	SQLRecentMs []float64 `json:"sql_recent_ms"`
	LLMAvgMs    *float64  `json:"llm_avg_ms"`
	SQLAvgMs    *float64  `json:"sql_avg_ms"`
}

type perfOutput struct {
	Body PerfBody
}

// MetricsBody is the JSON body of /api/metrics.
type MetricsBody struct {
	Counters map[string]int64 `json:"counters"`
	LLMAvgMs *float64         `json:"llm_avg_ms"`
	SQLAvgMs *float64         `json:"sql_avg_ms"`
	Breakers []health.Metrics `json:"breakers"`
}

type metricsOutput struct {
	Body MetricsBody
}

type breakersOutput struct {
	Body struct {
		Breakers []health.Metrics `json:"breakers"`
	}
}

type dependencyOutput struct {
	Body DependencyStatus
}

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*HealthResponse, error) {
	info := s.services.Info
	return &HealthResponse{Body: HealthBody{
		Status:        StatusOK,
		Service:       info.Service,
		Version:       info.Version,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		LLMProvider:   info.LLMProvider,
		LLMModel:      info.LLMModel,
		DBProvider:    info.DBProvider,
	}}, nil
}

// handleReady fails with 503 when the database probe fails. An open model
// breaker only degrades readiness since cached answers may still be served.
func (s *Server) handleReady(ctx context.Context, _ *struct{}) (*readyOutput, error) {
	db := s.dbStatus(ctx)

	llm := DependencyStatus{
		Status:    StatusOK,
		Provider:  s.services.Info.LLMProvider,
		Model:     s.services.Info.LLMModel,
		LatencyMs: s.perf.Snapshot().LLMAvgMs,
		Breaker:   s.breakerMetrics(breaker.ResourceLLM),
	}
	if llm.Breaker != nil && !llm.Breaker.Available {
		llm.Status = StatusError
		llm.Message = wardenerr.MessageUnavailable
	}

	out := &readyOutput{Status: http.StatusOK}
	out.Body = ReadyBody{Status: StatusOK, Database: db, LLM: llm}
	out.Body.TraceID, _ = telemetry.TraceIDs(ctx)
	switch {
	case db.Status == StatusError:
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = StatusError
	case llm.Status == StatusError:
		out.Body.Status = StatusDegraded
	}
	return out, nil
}

func (s *Server) handlePerf(_ context.Context, _ *struct{}) (*perfOutput, error) {
	snap := s.perf.Snapshot()
	return &perfOutput{Body: PerfBody{
		Status:      StatusOK,
		Timestamp:   time.Now().UTC(),
		LLMRecentMs: snap.LLMRecentMs,
		SQLRecentMs: snap.SQLRecentMs,
		LLMAvgMs:    snap.LLMAvgMs,
		SQLAvgMs:    snap.SQLAvgMs,
	}}, nil
}

func (s *Server) handleMetrics(_ context.Context, _ *struct{}) (*metricsOutput, error) {
	snap := s.perf.Snapshot()
	return &metricsOutput{Body: MetricsBody{
		Counters: snap.Counters,
		LLMAvgMs: snap.LLMAvgMs,
		SQLAvgMs: snap.SQLAvgMs,
		Breakers: s.services.Breakers.Snapshot(),
	}}, nil
}

func (s *Server) handleBreakers(_ context.Context, _ *struct{}) (*breakersOutput, error) {
	out := &breakersOutput{}
	out.Body.Breakers = s.services.Breakers.Snapshot()
	return out, nil
}

func (s *Server) handleDBStatus(ctx context.Context, _ *struct{}) (*dependencyOutput, error) {
	return &dependencyOutput{Body: s.dbStatus(ctx)}, nil
}

func (s *Server) handleLLMStatus(ctx context.Context, _ *struct{}) (*dependencyOutput, error) {
	st := s.probe(ctx, s.services.LLMProbe, s.services.Info.LLMProvider)
	st.Model = s.services.Info.LLMModel
	st.Breaker = s.breakerMetrics(breaker.ResourceLLM)
	return &dependencyOutput{Body: st}, nil
}

func (s *Server) dbStatus(ctx context.Context) DependencyStatus {
	st := s.probe(ctx, s.services.DBProbe, s.services.Info.DBProvider)
	st.Breaker = s.breakerMetrics(breaker.ResourceDatabase)
	return st
}

// probe runs p with a bounded timeout. Failures are logged with their full
// chain and reported with the public message only.
func (s *Server) probe(ctx context.Context, p Probe, provider string) DependencyStatus {
	if p == nil {
		return DependencyStatus{Status: StatusUnknown, Provider: provider, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p(ctx)
	ms := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("provider", provider).Msg("dependency probe failed")
		return DependencyStatus{
			Status:    StatusError,
			Provider:  provider,
			Message:   wardenerr.PublicMessage(err, ""),
			LatencyMs: &ms,
		}
	}
	return DependencyStatus{Status: StatusOK, Provider: provider, LatencyMs: &ms}
}

func (s *Server) breakerMetrics(name string) *health.Metrics {
	b, ok := s.services.Breakers.Get(name)
	if !ok {
		return nil
	}
	m := b.Metrics()
	return &m
}
