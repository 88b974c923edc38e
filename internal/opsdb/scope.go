package opsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Session is a transactional unit of work against one tenant's operational
// database. Queries are written with ? placeholders and rebound for the
// engine's dialect. Sessions never outlive the scope that opened them.
type Session struct {
	tx      *sql.Tx
	dialect Dialect
	tracker *queryLatencyTracker
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := s.tx.ExecContext(ctx, s.rebind(query), args...)
	s.tracker.observe(queryName(query), time.Since(start))
	return result, err
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.tx.QueryContext(ctx, s.rebind(query), args...)
	s.tracker.observe(queryName(query), time.Since(start))
	return rows, err
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := s.tx.QueryRowContext(ctx, s.rebind(query), args...)
	s.tracker.observe(queryName(query), time.Since(start))
	return row
}

func (s *Session) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Scope ties the registry and router together: resolve the tenant's DSN,
// obtain its engine, run the caller's work in a transaction, commit on
// success or roll back on error, and always release the session.
type Scope struct {
	registry *Registry
	router   *Router
	tracker  *queryLatencyTracker
}

func NewScope(registry *Registry, router *Router) *Scope {
	return &Scope{registry: registry, router: router, tracker: newQueryLatencyTracker()}
}

// QueryLatencyStats returns current per-query latency distribution samples
// across all tenants served by this scope.
func (s *Scope) QueryLatencyStats() []QueryLatencyStat {
	return s.tracker.snapshot()
}

// Engine resolves a tenant and returns its cached engine without opening a
// transaction. Used by provisioning and status paths.
func (s *Scope) Engine(ctx context.Context, tenantID int64) (*Engine, error) {
	dsn, err := s.registry.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	eng, err := s.router.Get(ctx, dsn)
	if err != nil {
		return nil, withTenant(err, tenantID)
	}
	return eng, nil
}

// WithTenant runs fn inside a transaction on the tenant's operational
// database. Registry errors propagate unchanged; low-level connection
// failures become ConnectivityError; missing-table failures become
// SchemaNotInitializedError. fn's own errors are returned as-is.
func (s *Scope) WithTenant(ctx context.Context, tenantID int64, fn func(ctx context.Context, sess *Session) error) error {
	eng, err := s.Engine(ctx, tenantID)
	if err != nil {
		return err
	}

	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return &ConnectivityError{TenantID: tenantID, DSN: MaskDSN(eng.DSN), Err: err}
	}

	if err := fn(ctx, &Session{tx: tx, dialect: eng.Dialect, tracker: s.tracker}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(classifyTenantError(tenantID, eng.DSN, err), fmt.Errorf("rollback: %w", rbErr))
		}
		return classifyTenantError(tenantID, eng.DSN, err)
	}

	if err := tx.Commit(); err != nil {
		return &ConnectivityError{TenantID: tenantID, DSN: MaskDSN(eng.DSN), Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// classifyTenantError re-labels raw driver failures that indicate a missing
// schema. Taxonomy and domain errors pass through unchanged.
func classifyTenantError(tenantID int64, dsn string, err error) error {
	if isMissingRelation(err) {
		return &SchemaNotInitializedError{TenantID: tenantID, DSN: MaskDSN(dsn)}
	}
	return err
}

func isMissingRelation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" { // undefined_table
		return true
	}
	return strings.Contains(err.Error(), "no such table")
}

func withTenant(err error, tenantID int64) error {
	var connErr *ConnectivityError
	if errors.As(err, &connErr) && connErr.TenantID == 0 {
		connErr.TenantID = tenantID
	}
	return err
}
