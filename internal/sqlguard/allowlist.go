// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package sqlguard

import (
	"context"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Policy decides what happens when the catalog lookup fails.
type Policy string

const (
	// FailOpen disables the table check while the catalog is unreachable.
	FailOpen Policy = "fail_open"
	// FailClosed rejects every table-referencing query while the catalog
	// is unreachable.
	FailClosed Policy = "fail_closed"
)

// Rejection reasons reported by the allow-list.
const (
	ReasonTablesNotAllowed = "referenced tables not allowed"
	ReasonUnavailable      = "allow-list unavailable"
)

// Catalog lists the tables and views visible to the configured schema.
type Catalog interface {
	ListTables(ctx context.Context) ([]string, error)
}

var (
	tableRefPattern = regexp.MustCompile(`(?i)\b(?:from|join)\s+`)
	// clauseEndPattern marks where a FROM or JOIN table list stops.
	clauseEndPattern = regexp.MustCompile(`(?i)\b(?:where|group|order|having|limit|offset|fetch|union|except|intersect|on|using|join|inner|left|right|full|outer|cross|natural|window|from|select)\b|[;()]`)
)

// ExtractTables returns the lower-cased bare table names referenced after
// FROM and JOIN, with schema qualification and quoting stripped. Every item
// of a comma-separated table list is included and aliases are dropped. The
// result is sorted and de-duplicated.
func ExtractTables(sql string) []string {
	seen := make(map[string]bool)
	for _, loc := range tableRefPattern.FindAllStringIndex(sql, -1) {
		clause := sql[loc[1]:]
		if end := clauseEndPattern.FindStringIndex(clause); end != nil {
			clause = clause[:end[0]]
		}
		for _, item := range strings.Split(clause, ",") {
			fields := strings.Fields(item)
			if len(fields) == 0 {
				continue
			}
			if name := bareIdentifier(fields[0]); name != "" {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func bareIdentifier(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, "."); i >= 0 {
		ref = ref[i+1:]
	}
	ref = strings.Trim(ref, "\"`[]")
	return strings.ToLower(ref)
}

// AllowList is the process-wide cache of tables a generated query may
// reference. A successful catalog lookup is memoised until Invalidate;
// failed lookups are retried on the next call.
type AllowList struct {
	catalog Catalog
	policy  Policy

	mu       sync.RWMutex
	loaded   bool
	tables   map[string]bool
	onReload []func()
}

// NewAllowList creates an allow-list backed by catalog. Unknown policies
// are treated as FailClosed.
func NewAllowList(catalog Catalog, policy Policy) *AllowList {
	if policy != FailOpen {
		policy = FailClosed
	}
	return &AllowList{catalog: catalog, policy: policy}
}

// Policy returns the configured lookup-failure policy.
func (a *AllowList) Policy() Policy { return a.policy }

// Load returns the allow-listed tables, querying the catalog on first use.
// ok is false when the lookup failed; the returned set is then empty.
func (a *AllowList) Load(ctx context.Context) (tables map[string]bool, ok bool) {
	a.mu.RLock()
	if a.loaded {
		tables = a.tables
		a.mu.RUnlock()
		return tables, true
	}
	a.mu.RUnlock()

	// The catalog query runs outside the lock; concurrent first callers may
	// both query and the last writer wins.
	set, err := a.lookup(ctx)
	if err != nil {
		return map[string]bool{}, false
	}

	a.mu.Lock()
	a.tables = set
	a.loaded = true
	a.mu.Unlock()
	return set, true
}

// Reload queries the catalog and swaps in the result only when the lookup
// succeeds. A failed reload keeps the previous set in force. Callbacks
// registered with OnReload run after every successful swap.
func (a *AllowList) Reload(ctx context.Context) (map[string]bool, bool) {
	set, err := a.lookup(ctx)
	if err != nil {
		return nil, false
	}

	a.mu.Lock()
	a.tables = set
	a.loaded = true
	hooks := slices.Clone(a.onReload)
	a.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return set, true
}

// OnReload registers fn to run after each successful Reload, so caches
// derived from the catalog follow the allow-list.
func (a *AllowList) OnReload(fn func()) {
	a.mu.Lock()
	a.onReload = append(a.onReload, fn)
	a.mu.Unlock()
}

func (a *AllowList) lookup(ctx context.Context) (map[string]bool, error) {
	names, err := a.catalog.ListTables(ctx)
	if err != nil {
		log.Warn().Err(err).Str("policy", string(a.policy)).Msg("allow-list lookup failed")
		return nil, err
	}

	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = true
		}
	}
	if len(set) == 0 {
		log.Warn().Msg("allow-list lookup returned no tables; table check disabled")
	}
	return set, nil
}

// Tables returns the sorted allow-listed table names.
func (a *AllowList) Tables(ctx context.Context) ([]string, error) {
	set, ok := a.Load(ctx)
	if !ok {
		return nil, wardenerr.New(wardenerr.CodeSQLAllowListLookup, "allow-list lookup failed")
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Invalidate drops the memoised set so the next call queries the catalog.
func (a *AllowList) Invalidate() {
	a.mu.Lock()
	a.loaded = false
	a.tables = nil
	a.mu.Unlock()
}

// Check rejects sql when it references tables outside the allow-list. An
// empty allow-list disables the check; a failed lookup rejects under
// FailClosed and disables the check under FailOpen.
func (a *AllowList) Check(ctx context.Context, sql string) *wardenerr.Rejection {
	referenced := ExtractTables(sql)
	if len(referenced) == 0 {
		return nil
	}

	allowed, ok := a.Load(ctx)
	if !ok {
		if a.policy == FailClosed {
			return &wardenerr.Rejection{
				Kind:   wardenerr.KindValidation,
				Code:   wardenerr.CodeSQLAllowListInvalid,
				Reason: ReasonUnavailable,
			}
		}
		return nil
	}
	if len(allowed) == 0 {
		return nil
	}

	var invalid []string
	for _, t := range referenced {
		if !allowed[t] {
			invalid = append(invalid, t)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	return &wardenerr.Rejection{
		Kind:          wardenerr.KindValidation,
		Code:          wardenerr.CodeSQLAllowListInvalid,
		Reason:        ReasonTablesNotAllowed,
		InvalidTables: invalid,
	}
}

// GuidanceText is appended to the user's message during context injection
// so the model only proposes queries against allow-listed tables.
func (a *AllowList) GuidanceText(ctx context.Context) string {
	tables, err := a.Tables(ctx)
	if err != nil || len(tables) == 0 {
		return ""
	}
	return "Allowed tables: " + strings.Join(tables, ", ") +
		". Only query these tables; queries referencing other tables will be blocked."
}
