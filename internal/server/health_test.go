// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/breaker"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/server"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okProbe(context.Context) error { return nil }

func failingProbe(context.Context) error {
	return wardenerr.New(wardenerr.CodeSQLUpstreamFailure, "dial tcp 10.1.2.3:1521: connection refused")
}

func testRegistry(t *testing.T) *breaker.Registry {
	t.Helper()
	reg := breaker.NewRegistry()
	for _, name := range []string{breaker.ResourceLLM, breaker.ResourceDatabase} {
		_, err := reg.Register(name, breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenSuccessThreshold: 1})
		require.NoError(t, err)
	}
	return reg
}

func statusServices(t *testing.T) *server.Services {
	return &server.Services{
		Breakers: testRegistry(t),
		DBProbe:  okProbe,
		LLMProbe: okProbe,
		Info: server.RuntimeInfo{
			Version:     "1.2.3",
			LLMProvider: "openai",
			LLMModel:    "gpt-4o-mini",
			DBProvider:  "sqlite",
		},
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, statusServices(t))

	w := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[server.HealthBody](t, w)
	assert.Equal(t, server.StatusOK, body.Status)
	assert.Equal(t, "sqlwarden", body.Service)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "gpt-4o-mini", body.LLMModel)
	assert.Equal(t, "sqlite", body.DBProvider)
	assert.GreaterOrEqual(t, body.UptimeSeconds, 0.0)
	assert.WithinDuration(t, time.Now(), body.Timestamp, time.Minute)
}

func TestReady(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		srv := newTestServer(t, statusServices(t))

		w := do(t, srv, http.MethodGet, "/health/ready", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[server.ReadyBody](t, w)
		assert.Equal(t, server.StatusOK, body.Status)
		assert.Equal(t, server.StatusOK, body.Database.Status)
		require.NotNil(t, body.Database.Breaker)
		assert.Equal(t, "CLOSED", body.Database.Breaker.State)
		assert.Equal(t, w.Header().Get("X-Trace-Id"), body.TraceID)
	})

	t.Run("database down", func(t *testing.T) {
		svc := statusServices(t)
		svc.DBProbe = failingProbe
		srv := newTestServer(t, svc)

		w := do(t, srv, http.MethodGet, "/health/ready", nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode[server.ReadyBody](t, w)
		assert.Equal(t, server.StatusError, body.Status)
		assert.Equal(t, server.StatusError, body.Database.Status)
		assert.Equal(t, wardenerr.MessageUnavailable, body.Database.Message)
		assert.NotContains(t, w.Body.String(), "10.1.2.3")
	})

	t.Run("model breaker open degrades", func(t *testing.T) {
		svc := statusServices(t)
		b, ok := svc.Breakers.Get(breaker.ResourceLLM)
		require.True(t, ok)
		b.OnFailure()
		srv := newTestServer(t, svc)

		w := do(t, srv, http.MethodGet, "/health/ready", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[server.ReadyBody](t, w)
		assert.Equal(t, server.StatusDegraded, body.Status)
		assert.Equal(t, server.StatusError, body.LLM.Status)
	})
}

func TestDependencyStatus(t *testing.T) {
	svc := statusServices(t)
	svc.LLMProbe = failingProbe
	srv := newTestServer(t, svc)

	db := decode[server.DependencyStatus](t, do(t, srv, http.MethodGet, "/api/v1/db-status", nil))
	assert.Equal(t, server.StatusOK, db.Status)
	assert.Equal(t, "sqlite", db.Provider)
	require.NotNil(t, db.LatencyMs)

	w := do(t, srv, http.MethodGet, "/api/v1/llm-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	llm := decode[server.DependencyStatus](t, w)
	assert.Equal(t, server.StatusError, llm.Status)
	assert.Equal(t, "gpt-4o-mini", llm.Model)
	assert.Equal(t, wardenerr.MessageUnavailable, llm.Message)
}

func TestDependencyStatus_NotConfigured(t *testing.T) {
	srv := newTestServer(t, nil)

	db := decode[server.DependencyStatus](t, do(t, srv, http.MethodGet, "/api/v1/db-status", nil))
	assert.Equal(t, server.StatusUnknown, db.Status)
	assert.Nil(t, db.Breaker)
}

func TestBreakerStatus(t *testing.T) {
	srv := newTestServer(t, statusServices(t))

	body := decode[struct {
		Breakers []struct {
			Name      string `json:"name"`
			State     string `json:"state"`
			Available bool   `json:"available"`
		} `json:"breakers"`
	}](t, do(t, srv, http.MethodGet, "/api/v1/status/breakers", nil))

	require.Len(t, body.Breakers, 2)
	for _, b := range body.Breakers {
		assert.Equal(t, "CLOSED", b.State)
		assert.True(t, b.Available)
	}
}

func TestPerfAndMetrics(t *testing.T) {
	svc := statusServices(t)
	svc.Perf = logging.NewPerfRecorder()
	svc.Perf.Record(logging.SampleLLM, 120)
	svc.Perf.Record(logging.SampleLLM, 80)
	svc.Perf.Record(logging.SampleSQL, 5)
	srv := newTestServer(t, svc)

	perf := decode[server.PerfBody](t, do(t, srv, http.MethodGet, "/health/perf", nil))
	assert.Equal(t, []float64{120, 80}, perf.LLMRecentMs)
	require.NotNil(t, perf.LLMAvgMs)
	assert.InDelta(t, 100, *perf.LLMAvgMs, 0.001)

	metrics := decode[server.MetricsBody](t, do(t, srv, http.MethodGet, "/api/metrics", nil))
	assert.Equal(t, int64(1), metrics.Counters[logging.CounterRequests], "the perf request is counted before /api/metrics runs")
	require.NotNil(t, metrics.SQLAvgMs)
	assert.InDelta(t, 5, *metrics.SQLAvgMs, 0.001)
	assert.Len(t, metrics.Breakers, 2)
}
