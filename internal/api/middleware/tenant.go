package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/pkg/errors"
	"msggateway/internal/platform/auth"
)

// TenantMiddleware scopes a request to the :tenant_id route parameter. Only
// admins may act on a tenant other than the one in their token.
type TenantMiddleware struct{}

func NewTenantMiddleware() *TenantMiddleware {
	return &TenantMiddleware{}
}

func (m *TenantMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := apiContext.ClaimsFrom(r.Context())
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
			return
		}

		tenantID := apiContext.Param(r, "tenant_id")
		if tenantID == "" {
			tenantID = claims.TenantID
		}
		if tenantID == "" {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Token is not bound to a tenant", nil)
			return
		}
		if tenantID != claims.TenantID && claims.Role != auth.RoleAdmin {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Access to this tenant is not allowed", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Tenant, tenantID)
		logger := zerolog.Ctx(ctx).With().Str("tenant_id", tenantID).Logger()
		next(w, r.WithContext(logger.WithContext(ctx)))
	}
}
