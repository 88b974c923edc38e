package opsdb

import (
	"context"
	"fmt"
	"strings"
)

// TenantLookup resolves a tenant's display name and operational DSN from the
// shared metadata store. found is false when the tenant id is unknown; an
// empty dsn means the tenant has no operational database configured.
type TenantLookup func(ctx context.Context, tenantID int64) (name, dsn string, found bool, err error)

// Registry resolves tenant ids to operational DSNs. The DSN is never cached:
// a tenant's database can be reconfigured at any time, and a stale DSN would
// silently redirect its writes to the wrong physical store.
type Registry struct {
	lookup TenantLookup
}

func NewRegistry(lookup TenantLookup) *Registry {
	return &Registry{lookup: lookup}
}

// Resolve returns the operational DSN for a tenant, re-reading the shared
// store on every call.
func (r *Registry) Resolve(ctx context.Context, tenantID int64) (string, error) {
	name, dsn, found, err := r.lookup(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("look up tenant %d: %w", tenantID, err)
	}
	if !found {
		return "", &TenantNotFoundError{TenantID: tenantID}
	}
	if strings.TrimSpace(dsn) == "" {
		return "", &ConfigurationError{TenantID: tenantID, TenantName: name}
	}
	return dsn, nil
}
