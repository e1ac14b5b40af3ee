package auth

import "context"

type contextKey string

const (
	contextKeyTenant  contextKey = "auth.tenant_id"
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
)

// Identity is the authenticated caller.
type Identity struct {
	TenantID string
	Role     Role
	Subject  string
}

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, tenantID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyTenant, tenantID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// IdentityFromContext returns the caller identity and whether a tenant was present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id := Identity{
		TenantID: TenantIDFromContext(ctx),
		Role:     RoleFromContext(ctx),
		Subject:  SubjectFromContext(ctx),
	}
	return id, id.TenantID != ""
}

// TenantIDFromContext extracts tenant id from context.
func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if tenantID, ok := ctx.Value(contextKeyTenant).(string); ok {
		return tenantID
	}
	return ""
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	switch value := ctx.Value(contextKeyRole).(type) {
	case Role:
		return value
	case string:
		role, _ := NormalizeRole(value)
		return role
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if subject, ok := ctx.Value(contextKeySubject).(string); ok {
		return subject
	}
	return ""
}

// EnsureTenant returns ErrTenantMismatch when the caller's tenant differs from resourceTenant.
// Contexts without an identity (internal callers) pass.
func EnsureTenant(ctx context.Context, resourceTenant string) error {
	tenantID := TenantIDFromContext(ctx)
	if tenantID == "" || tenantID == resourceTenant {
		return nil
	}
	return ErrTenantMismatch
}
