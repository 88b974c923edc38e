package central

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/musikutiv/metaFirst/internal/opsdb"
)

// Tenant is one isolated customer of the platform. OpsDSN points at the
// tenant's private operational database; empty means none is configured.
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OpsDSN    string    `json:"ops_dsn,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a research project owned by exactly one tenant.
type Project struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const tenantColumns = `id, name, ops_dsn, is_active, created_at`

// CreateTenant inserts a new tenant. The name must be unique; opsDSN may be
// empty and set later.
func (s *Store) CreateTenant(ctx context.Context, name, opsDSN string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &opsdb.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (name, ops_dsn) VALUES (?, ?)`,
		name, strings.TrimSpace(opsDSN))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &opsdb.ValidationError{Field: "name", Reason: fmt.Sprintf("tenant %q already exists", name)}
		}
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return s.GetTenant(ctx, id)
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row, id)
}

// GetTenantByName fetches a tenant by its unique name.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE name = ?`, name)
	return scanTenant(row, 0)
}

// ListTenants returns tenants ordered by name. With activeOnly set,
// deactivated tenants are skipped.
func (s *Store) ListTenants(ctx context.Context, activeOnly bool) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		var active int64
		if err := rows.Scan(&t.ID, &t.Name, &t.OpsDSN, &active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.IsActive = active != 0
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// SetTenantDSN points a tenant at a different operational database. The next
// operational call resolves the new DSN; nothing is cached per tenant.
func (s *Store) SetTenantDSN(ctx context.Context, id int64, opsDSN string) (*Tenant, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET ops_dsn = ? WHERE id = ?`, strings.TrimSpace(opsDSN), id)
	if err != nil {
		return nil, fmt.Errorf("set tenant dsn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("set tenant dsn: %w", err)
	}
	if affected == 0 {
		return nil, &opsdb.TenantNotFoundError{TenantID: id}
	}
	return s.GetTenant(ctx, id)
}

// SetTenantActive toggles whether a tenant is served.
func (s *Store) SetTenantActive(ctx context.Context, id int64, active bool) error {
	value := int64(0)
	if active {
		value = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET is_active = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("set tenant active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tenant active: %w", err)
	}
	if affected == 0 {
		return &opsdb.TenantNotFoundError{TenantID: id}
	}
	return nil
}

// CreateProject inserts a project under a tenant. The name is unique within
// the tenant only.
func (s *Store) CreateProject(ctx context.Context, tenantID int64, name, description string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &opsdb.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (tenant_id, name, description) VALUES (?, ?, ?)`,
		tenantID, name, strings.TrimSpace(description))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &opsdb.ValidationError{Field: "name", Reason: fmt.Sprintf("project %q already exists for tenant %d", name, tenantID)}
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	var p Project
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, description, created_at FROM projects WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("read back project: %w", err)
	}
	return &p, nil
}

// ListProjects returns a tenant's projects ordered by name.
func (s *Store) ListProjects(ctx context.Context, tenantID int64) ([]*Project, error) {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, description, created_at FROM projects WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// LookupTenantDSN satisfies opsdb.TenantLookup. Deactivated tenants resolve
// like unknown ones.
func (s *Store) LookupTenantDSN(ctx context.Context, tenantID int64) (string, string, bool, error) {
	var name, dsn string
	var active int64
	row := s.db.QueryRowContext(ctx,
		`SELECT name, ops_dsn, is_active FROM tenants WHERE id = ?`, tenantID)
	if err := row.Scan(&name, &dsn, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("lookup tenant %d: %w", tenantID, err)
	}
	if active == 0 {
		return "", "", false, nil
	}
	return name, dsn, true, nil
}

func scanTenant(row *sql.Row, id int64) (*Tenant, error) {
	var t Tenant
	var active int64
	if err := row.Scan(&t.ID, &t.Name, &t.OpsDSN, &active, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &opsdb.TenantNotFoundError{TenantID: id}
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.IsActive = active != 0
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
