package middleware

import (
	"context"

	"github.com/formbridge/formbridge/pkg/models"
)

type contextKey string

const tenantContextKey contextKey = "tenant_context"

// TenantContext is the verified identity attached to a request after
// authentication. Every tenant-scoped read and write downstream derives its
// tenant id from this value, never from request parameters.
type TenantContext struct {
	TenantID string
	Tier     models.Tier
	CORS     models.CORSConfig
}

// WithTenant returns a context carrying the tenant identity.
func WithTenant(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// GetTenant returns the tenant identity attached by the authenticator, or nil
// for unauthenticated requests.
func GetTenant(ctx context.Context) *TenantContext {
	tc, _ := ctx.Value(tenantContextKey).(*TenantContext)
	return tc
}
