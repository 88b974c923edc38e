package opsdb

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// Operational tables every tenant database carries.
const (
	TableIngestRuns = "ingest_runs"
	TableHeartbeats = "heartbeats"
)

// Provisioner applies the operational schema to tenant databases.
type Provisioner struct{}

func NewProvisioner() *Provisioner { return &Provisioner{} }

// EnsureSchema creates the operational tables on the given engine if they are
// absent. Safe to invoke any number of times.
func (p *Provisioner) EnsureSchema(ctx context.Context, eng *Engine) error {
	dir := path.Join("migrations", string(eng.Dialect))
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("schema migrations for %s: %w", eng.Dialect, err)
	}
	provider, err := goose.NewProvider(gooseDialect(eng.Dialect), eng.DB, fsys)
	if err != nil {
		return fmt.Errorf("schema provider for %s: %w", eng.Dialect, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return &ConnectivityError{DSN: MaskDSN(eng.DSN), Err: fmt.Errorf("apply schema: %w", err)}
	}
	return nil
}

func gooseDialect(d Dialect) goose.Dialect {
	if d == DialectPostgres {
		return goose.DialectPostgres
	}
	return goose.DialectSQLite3
}

// ListTables reports the table names currently present on the engine.
// Diagnostics only; performs no mutation.
func (p *Provisioner) ListTables(ctx context.Context, eng *Engine) ([]string, error) {
	var query string
	switch eng.Dialect {
	case DialectPostgres:
		query = `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`
	default:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}

	rows, err := eng.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, &ConnectivityError{DSN: MaskDSN(eng.DSN), Err: err}
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Initialized reports whether both operational tables exist on the engine.
func (p *Provisioner) Initialized(ctx context.Context, eng *Engine) (bool, error) {
	tables, err := p.ListTables(ctx, eng)
	if err != nil {
		return false, err
	}
	found := 0
	for _, t := range tables {
		if t == TableIngestRuns || t == TableHeartbeats {
			found++
		}
	}
	return found == 2, nil
}

// RowCounts reports per-table record counts for status output. Table names
// come from ListTables, never from callers.
func (p *Provisioner) RowCounts(ctx context.Context, eng *Engine, tables []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		// %q quotes the identifier, valid in both dialects
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)
		if err := eng.DB.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
