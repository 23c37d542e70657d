// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerRoutes() {
	// Health endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness check against the database and model",
		Tags:        []string{"system"},
	}, s.handleReady)

	huma.Register(s.api, huma.Operation{
		OperationID: "health-perf",
		Method:      http.MethodGet,
		Path:        "/health/perf",
		Summary:     "Recent model and query latencies",
		Tags:        []string{"system"},
	}, s.handlePerf)

	huma.Register(s.api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Request counters and latency averages",
		Tags:        []string{"system"},
	}, s.handleMetrics)

	// Dependency status
	huma.Register(s.api, huma.Operation{
		OperationID: "breaker-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status/breakers",
		Summary:     "Circuit breaker states",
		Tags:        []string{"status"},
	}, s.handleBreakers)

	huma.Register(s.api, huma.Operation{
		OperationID: "db-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/db-status",
		Summary:     "Database connectivity",
		Tags:        []string{"status"},
	}, s.handleDBStatus)

	huma.Register(s.api, huma.Operation{
		OperationID: "llm-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/llm-status",
		Summary:     "Model endpoint connectivity",
		Tags:        []string{"status"},
	}, s.handleLLMStatus)

	// Chat
	huma.Register(s.api, huma.Operation{
		OperationID:  "chat",
		Method:       http.MethodPost,
		Path:         "/api/v1/chat",
		Summary:      "Ask a question about the data",
		Tags:         []string{"chat"},
		MaxBodyBytes: s.cfg.MaxPayloadBytes,
	}, s.handleChat)

	// SQL guard
	huma.Register(s.api, huma.Operation{
		OperationID:  "validate-sql",
		Method:       http.MethodPost,
		Path:         "/api/v1/sql/validate",
		Summary:      "Check a statement against the SQL guard without running it",
		Tags:         []string{"sql"},
		MaxBodyBytes: s.cfg.MaxPayloadBytes,
	}, s.handleValidateSQL)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-tables",
		Method:      http.MethodGet,
		Path:        "/api/v1/tables",
		Summary:     "Tables on the allow-list",
		Tags:        []string{"sql"},
	}, s.handleListTables)

	huma.Register(s.api, huma.Operation{
		OperationID: "refresh-tables",
		Method:      http.MethodPost,
		Path:        "/api/v1/tables/refresh",
		Summary:     "Reload the allow-list from the database catalog",
		Tags:        []string{"sql"},
	}, s.handleRefreshTables)

	// Schema documentation
	huma.Register(s.api, huma.Operation{
		OperationID: "semantic-docs",
		Method:      http.MethodGet,
		Path:        "/api/semantic/docs",
		Summary:     "Semantic documentation files injected into prompts",
		Tags:        []string{"context"},
	}, s.handleSemanticDocs)

	huma.Register(s.api, huma.Operation{
		OperationID: "semantic-model",
		Method:      http.MethodGet,
		Path:        "/api/metadata/semantic_model",
		Summary:     "Semantic model of entities and metrics",
		Tags:        []string{"context"},
	}, s.handleSemanticModel)
}
