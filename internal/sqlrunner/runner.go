// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

// Package sqlrunner executes validated SQL against the configured database
// and answers catalog questions for the allow-list and schema context.
package sqlrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Database providers.
const (
	ProviderSQLite = "sqlite"
	ProviderOracle = "oracle"
	ProviderMSSQL  = "mssql"
)

// driverNames lists the database/sql driver names accepted per provider. Only
// sqlite is linked into the binary; the others must be registered by a build
// that imports their driver.
var driverNames = map[string][]string{
	ProviderSQLite: {"sqlite3"},
	ProviderOracle: {"oracle", "godror"},
	ProviderMSSQL:  {"sqlserver", "mssql"},
}

// testQueries are the connection probes run by Ping.
var testQueries = map[string]string{
	ProviderSQLite: "SELECT 1",
	ProviderMSSQL:  "SELECT 1",
	ProviderOracle: "SELECT 1 FROM dual",
}

// Config holds the runner settings.
type Config struct {
	Provider     string
	DSN          string
	Schema       string
	MaxOpenConns int
	MaxRows      int
}

// Result is a bounded query result.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
	ElapsedMs float64  `json:"elapsed_ms"`
}

// Runner executes SQL through a database/sql pool. MaxOpenConns bounds the
// number of queries in flight; callers beyond it wait for a connection.
type Runner struct {
	db       *sql.DB
	provider string
	schema   string
	maxRows  int
}

// Open connects to the configured database. Selecting a provider whose
// driver is not registered is a configuration error.
func Open(cfg Config) (*Runner, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	names, ok := driverNames[provider]
	if !ok {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigProviderUnsupported, "unsupported database provider %q", cfg.Provider)
	}
	driver := ""
	registered := sql.Drivers()
	for _, n := range names {
		if slices.Contains(registered, n) {
			driver = n
			break
		}
	}
	if driver == "" {
		return nil, wardenerr.Errorf(wardenerr.CodeSQLDriverUnsupported,
			"no database/sql driver registered for provider %q (tried %s)", provider, strings.Join(names, ", "))
	}

	dsn := cfg.DSN
	if provider == ProviderSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSQLUpstreamFailure, "opening %s database", provider)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	return New(db, provider, cfg.Schema, cfg.MaxRows), nil
}

// sqliteDSN opens file databases read-only so a query that slipped past the
// validator still cannot write.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}

// New wraps an existing pool.
func New(db *sql.DB, provider, schema string, maxRows int) *Runner {
	return &Runner{db: db, provider: provider, schema: schema, maxRows: maxRows}
}

// Provider returns the database provider name.
func (r *Runner) Provider() string { return r.provider }

// Close closes the pool.
func (r *Runner) Close() error { return r.db.Close() }

// Execute runs a query and returns at most MaxRows rows.
func (r *Runner) Execute(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "executing query")
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeSQLResultScanFailure, "reading columns")
	}

	res := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if r.maxRows > 0 && len(res.Rows) >= r.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeSQLResultScanFailure, "scanning row")
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterating rows")
	}

	res.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000
	log.Debug().
		Str("provider", r.provider).
		Int("rows", len(res.Rows)).
		Bool("truncated", res.Truncated).
		Float64("elapsed_ms", res.ElapsedMs).
		Msg("query executed")
	return res, nil
}

// Ping runs the provider's test query.
func (r *Runner) Ping(ctx context.Context) error {
	q, ok := testQueries[r.provider]
	if !ok {
		return wardenerr.Errorf(wardenerr.CodeConfigProviderUnsupported, "unsupported database provider for diagnostics: %q", r.provider)
	}
	var one any
	if err := r.db.QueryRowContext(ctx, q).Scan(&one); err != nil {
		return classify(err, "probing database")
	}
	return nil
}

// ListTables returns the lower-cased table and view names visible in the
// configured schema.
func (r *Runner) ListTables(ctx context.Context) ([]string, error) {
	query, args := r.tablesQuery()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "listing tables")
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeSQLResultScanFailure, "scanning table name")
		}
		tables = append(tables, strings.ToLower(name))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "listing tables")
	}
	slices.Sort(tables)
	return slices.Compact(tables), nil
}

func (r *Runner) tablesQuery() (string, []any) {
	switch r.provider {
	case ProviderOracle:
		if r.schema != "" {
			return "SELECT table_name FROM all_tables WHERE owner = :1", []any{strings.ToUpper(r.schema)}
		}
		return "SELECT table_name FROM user_tables", nil
	case ProviderMSSQL:
		if r.schema != "" {
			return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1", []any{r.schema}
		}
		return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES", nil
	default:
		return "SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name", nil
	}
}

// SchemaContext renders the schema as text for prompt injection: CREATE
// statements for sqlite, one "table(column type, ...)" line per table
// elsewhere.
func (r *Runner) SchemaContext(ctx context.Context) (string, error) {
	if r.provider == ProviderSQLite {
		return r.sqliteDDL(ctx)
	}

	query, args := r.columnsQuery()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", classify(err, "reading schema")
	}
	defer func() { _ = rows.Close() }()

	var (
		order []string
		cols  = map[string][]string{}
	)
	for rows.Next() {
		var table, column, typ string
		if err := rows.Scan(&table, &column, &typ); err != nil {
			return "", wardenerr.Wrap(err, wardenerr.CodeSQLResultScanFailure, "scanning schema row")
		}
		table = strings.ToLower(table)
		if _, seen := cols[table]; !seen {
			order = append(order, table)
		}
		cols[table] = append(cols[table], strings.ToLower(column)+" "+strings.ToLower(typ))
	}
	if err := rows.Err(); err != nil {
		return "", classify(err, "reading schema")
	}

	var b strings.Builder
	for _, t := range order {
		fmt.Fprintf(&b, "%s(%s)\n", t, strings.Join(cols[t], ", "))
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Runner) sqliteDDL(ctx context.Context) (string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return "", classify(err, "reading schema")
	}
	defer func() { _ = rows.Close() }()

	var stmts []string
	for rows.Next() {
		var ddl string
		if err := rows.Scan(&ddl); err != nil {
			return "", wardenerr.Wrap(err, wardenerr.CodeSQLResultScanFailure, "scanning schema row")
		}
		stmts = append(stmts, strings.TrimSpace(ddl)+";")
	}
	if err := rows.Err(); err != nil {
		return "", classify(err, "reading schema")
	}
	return strings.Join(stmts, "\n"), nil
}

func (r *Runner) columnsQuery() (string, []any) {
	switch r.provider {
	case ProviderOracle:
		if r.schema != "" {
			return "SELECT table_name, column_name, data_type FROM all_tab_columns WHERE owner = :1 ORDER BY table_name, column_id",
				[]any{strings.ToUpper(r.schema)}
		}
		return "SELECT table_name, column_name, data_type FROM user_tab_columns ORDER BY table_name, column_id", nil
	default:
		q := "SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS"
		if r.schema != "" {
			return q + " WHERE TABLE_SCHEMA = @p1 ORDER BY TABLE_NAME, ORDINAL_POSITION", []any{r.schema}
		}
		return q + " ORDER BY TABLE_NAME, ORDINAL_POSITION", nil
	}
}

// classify maps a driver error onto the error taxonomy. SQL the database
// itself rejects is a validation failure and must not count against the
// database breaker.
func classify(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrError || se.Code == sqlite3.ErrAuth || se.Code == sqlite3.ErrReadonly) {
		return wardenerr.Wrap(err, wardenerr.CodeSQLQueryInvalid, msg)
	}
	return wardenerr.Wrap(err, wardenerr.CodeSQLUpstreamFailure, msg)
}
