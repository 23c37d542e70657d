// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"

	"github.com/sqlwarden/sqlwarden/internal/sqlguard"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

type validateSQLInput struct {
	Body struct {
		SQL string `json:"sql" minLength:"1" doc:"Statement to check"`
	}
}

// ValidateSQLBody is the guard's verdict on one statement.
type ValidateSQLBody struct {
	Allowed bool     `json:"allowed"`
	SQL     string   `json:"sql,omitempty" doc:"Normalised statement that would be executed"`
	Blocked *Blocked `json:"blocked,omitempty"`
}

type validateSQLOutput struct {
	Body ValidateSQLBody
}

// TablesBody lists the allow-listed tables.
type TablesBody struct {
	Tables []string `json:"tables"`
	Policy string   `json:"policy"`
}

type tablesOutput struct {
	Body TablesBody
}

func (s *Server) handleValidateSQL(ctx context.Context, input *validateSQLInput) (*validateSQLOutput, error) {
	if s.services.Guard == nil {
		return nil, apiError(ctx, wardenerr.New(wardenerr.CodeServerUnavailable, "SQL guard not configured"))
	}

	verdict := s.services.Guard.Check(ctx, input.Body.SQL)
	out := &validateSQLOutput{Body: ValidateSQLBody{Allowed: verdict.Allowed(), SQL: verdict.SQL}}
	if verdict.Rejection != nil {
		b := blockedFrom(verdict.Rejection)
		out.Body.Blocked = &b
	}
	return out, nil
}

func (s *Server) handleListTables(ctx context.Context, _ *struct{}) (*tablesOutput, error) {
	al, err := s.allowList(ctx)
	if err != nil {
		return nil, err
	}
	return s.tables(ctx, al)
}

func (s *Server) handleRefreshTables(ctx context.Context, _ *struct{}) (*tablesOutput, error) {
	al, err := s.allowList(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := al.Reload(ctx); !ok {
		return nil, apiError(ctx, wardenerr.New(wardenerr.CodeSQLAllowListLookup, "allow-list refresh failed"))
	}
	return s.tables(ctx, al)
}

func (s *Server) allowList(ctx context.Context) (*sqlguard.AllowList, error) {
	if s.services.Guard == nil || s.services.Guard.AllowList() == nil {
		return nil, apiError(ctx, wardenerr.New(wardenerr.CodeServerUnavailable, "allow-list not configured"))
	}
	return s.services.Guard.AllowList(), nil
}

func (s *Server) tables(ctx context.Context, al *sqlguard.AllowList) (*tablesOutput, error) {
	tables, err := al.Tables(ctx)
	if err != nil {
		return nil, apiError(ctx, err)
	}
	return &tablesOutput{Body: TablesBody{Tables: tables, Policy: string(al.Policy())}}, nil
}
