package opsdb

import (
	"fmt"
)

// TenantNotFoundError reports an unknown tenant id. This is a caller or
// configuration mistake, not a transient condition.
type TenantNotFoundError struct {
	TenantID int64
}

func (e *TenantNotFoundError) Error() string {
	return fmt.Sprintf("tenant %d not found", e.TenantID)
}

// ConfigurationError reports a tenant that exists but has no operational
// database DSN configured. For many tenants this is a normal steady state:
// operational features are simply disabled.
type ConfigurationError struct {
	TenantID   int64
	TenantName string
}

func (e *ConfigurationError) Error() string {
	name := ""
	if e.TenantName != "" {
		name = fmt.Sprintf(" (%s)", e.TenantName)
	}
	return fmt.Sprintf(
		"tenant %d%s has no operational database configured. Set ops_dsn via the API or run: mf opsdb init --tenant %d",
		e.TenantID, name, e.TenantID,
	)
}

// ConnectivityError reports that a tenant database could not be reached or a
// live connection could not be obtained. Transient; callers may retry with
// backoff. The DSN is always password-masked.
type ConnectivityError struct {
	TenantID int64
	DSN      string
	Err      error
}

func (e *ConnectivityError) Error() string {
	if e.TenantID != 0 {
		return fmt.Sprintf("cannot connect to operational database for tenant %d (%s): %v", e.TenantID, e.DSN, e.Err)
	}
	return fmt.Sprintf("cannot connect to operational database %s: %v", e.DSN, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// SchemaNotInitializedError reports a reachable tenant database whose
// operational tables have not been created yet.
type SchemaNotInitializedError struct {
	TenantID int64
	DSN      string
}

func (e *SchemaNotInitializedError) Error() string {
	return fmt.Sprintf(
		"operational database for tenant %d (%s) is not initialized. Run: mf opsdb init --tenant %d",
		e.TenantID, e.DSN, e.TenantID,
	)
}

// NotFoundError reports a record that does not exist in the tenant database
// resolved for this call. Cross-tenant lookups surface as this error: the
// other tenant's database simply has no such row.
type NotFoundError struct {
	TenantID int64
	Kind     string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found in operational database for tenant %d", e.Kind, e.Key, e.TenantID)
}

// ValidationError reports malformed caller input, such as an unknown status
// value or a negative counter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
