// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlguard

import (
	"regexp"
	"sort"
	"strings"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Default verb sets. PRAGMA is added to the allowed set only for the
// embedded-file (sqlite) backend.
var (
	DefaultAllowedVerbs     = []string{"select", "with", "explain", "describe", "show"}
	DefaultDestructiveVerbs = []string{"drop", "truncate", "alter", "delete", "update", "insert"}
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	commentPattern    = regexp.MustCompile(`--|/\*`)
	tautologyPattern  = regexp.MustCompile(`(?i)\b(or|and)\s+1\s*=\s*1\b`)
)

// Validator performs static textual screening of a single SQL statement
// before execution. It is a heuristic layer, not a parser: passing
// validation does not make a statement injection-proof.
type Validator struct {
	allowed     map[string]bool
	allowedList string
	destructive *regexp.Regexp
}

// NewValidator builds a validator for the given database provider. Empty
// verb lists fall back to the defaults.
func NewValidator(provider string, allowedVerbs, destructiveVerbs []string) *Validator {
	if len(allowedVerbs) == 0 {
		allowedVerbs = DefaultAllowedVerbs
	}
	if len(destructiveVerbs) == 0 {
		destructiveVerbs = DefaultDestructiveVerbs
	}

	allowed := make(map[string]bool, len(allowedVerbs)+1)
	for _, v := range allowedVerbs {
		allowed[strings.ToLower(strings.TrimSpace(v))] = true
	}
	if strings.EqualFold(provider, "sqlite") {
		allowed["pragma"] = true
	}
	names := make([]string, 0, len(allowed))
	for v := range allowed {
		names = append(names, v)
	}
	sort.Strings(names)

	quoted := make([]string, 0, len(destructiveVerbs))
	for _, v := range destructiveVerbs {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(v))))
	}

	return &Validator{
		allowed:     allowed,
		allowedList: strings.Join(names, ", "),
		destructive: regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`),
	}
}

// Validate returns the normalized single statement (whitespace collapsed,
// no trailing semicolon) or a validation error explaining the rejection.
func (v *Validator) Validate(sql string) (string, error) {
	normalized := strings.TrimSpace(whitespacePattern.ReplaceAllString(sql, " "))
	if normalized == "" {
		return "", reject("SQL is required")
	}

	var parts []string
	for _, part := range strings.Split(normalized, ";") {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) != 1 {
		return "", reject("Only single SQL statements are allowed")
	}
	stmt := parts[0]

	if commentPattern.MatchString(stmt) {
		return "", reject("Inline SQL comments are not allowed")
	}
	if tautologyPattern.MatchString(stmt) {
		return "", reject("Tautology patterns are not allowed")
	}

	verb := strings.ToLower(strings.Fields(stmt)[0])
	if !v.allowed[verb] {
		return "", reject("Unsupported SQL statement '" + verb + "'. Allowed: " + v.allowedList)
	}

	// Destructive verbs are blocked anywhere, including inside CTEs and subqueries.
	if v.destructive.MatchString(stmt) {
		return "", reject("Destructive statements are blocked in this mode")
	}

	return stmt, nil
}

func reject(msg string) error {
	return wardenerr.New(wardenerr.CodeSQLValidateInvalid, msg)
}
