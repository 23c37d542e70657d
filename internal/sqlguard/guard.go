// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlguard

import (
	"context"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Verdict is the outcome of screening one SQL tool call. Exactly one of SQL
// and Rejection is set.
type Verdict struct {
	SQL       string
	Rejection *wardenerr.Rejection
}

// Allowed reports whether the statement may be executed.
func (v Verdict) Allowed() bool { return v.Rejection == nil }

// Guard composes the validator and the allow-list into the check run before
// every SQL tool call.
type Guard struct {
	validator *Validator
	allowList *AllowList
}

// NewGuard creates a guard. allowList may be nil to skip the table check.
func NewGuard(validator *Validator, allowList *AllowList) *Guard {
	return &Guard{validator: validator, allowList: allowList}
}

// AllowList returns the guard's allow-list, or nil.
func (g *Guard) AllowList() *AllowList { return g.allowList }

// Check validates sql and then checks its table references.
func (g *Guard) Check(ctx context.Context, sql string) Verdict {
	stmt, err := g.validator.Validate(sql)
	if err != nil {
		return Verdict{Rejection: wardenerr.RejectionOf(err)}
	}
	if g.allowList != nil {
		if rej := g.allowList.Check(ctx, stmt); rej != nil {
			return Verdict{Rejection: rej}
		}
	}
	return Verdict{SQL: stmt}
}
