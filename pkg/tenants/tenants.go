// Package tenants provides tenant context propagation and the row-level
// security session binding used by every tenant-scoped query.
//
// One session variable name is used everywhere: app.current_tenant_id.
package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionVar is the PostgreSQL session variable row-level security policies
// filter on. Set per transaction, never per connection: pooled connections
// are shared across tenants.
const SessionVar = "app.current_tenant_id"

// PlatformAdminRole is the reserved role allowed to bypass the row filter.
// Only verified tokens may carry it.
const PlatformAdminRole = "platform_admin"

type ctxKey int

const tenantKey ctxKey = iota

// ErrNoTenant is returned when a tenant-scoped operation runs without a
// tenant bound to the context.
var ErrNoTenant = errors.New("tenants: no tenant in context")

// WithTenant binds a tenant id to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// FromContext extracts the tenant id bound by WithTenant.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}

// MustFromContext extracts the tenant id or returns ErrNoTenant.
func MustFromContext(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", ErrNoTenant
	}
	return id, nil
}

// BindTx sets the tenant session variable on an open transaction. Every
// store method touching tenant-scoped rows calls this before its first
// query. set_config with is_local=true scopes the value to the transaction.
func BindTx(ctx context.Context, tx *sql.Tx, tenantID string) error {
	if tenantID == "" {
		return ErrNoTenant
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, SessionVar, tenantID); err != nil {
		return fmt.Errorf("tenants: bind session variable: %w", err)
	}
	return nil
}

// Guard asserts that an entity's tenant matches the context tenant.
// A mismatch is a tenant violation: callers must surface it as not-found
// and log the full detail themselves.
func Guard(ctx context.Context, entityTenantID string) error {
	id, ok := FromContext(ctx)
	if !ok {
		return ErrNoTenant
	}
	if id != entityTenantID {
		return &ViolationError{ContextTenant: id, EntityTenant: entityTenantID}
	}
	return nil
}

// ViolationError marks an attempted cross-tenant access. It must never be
// rendered to a client verbatim.
type ViolationError struct {
	ContextTenant string
	EntityTenant  string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("tenants: cross-tenant access: context tenant %s, entity tenant %s", e.ContextTenant, e.EntityTenant)
}

// IsViolation reports whether err is a cross-tenant violation.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}
