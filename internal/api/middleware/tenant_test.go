package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/platform/auth"
)

func TestTenantMiddleware(t *testing.T) {
	middleware := NewTenantMiddleware()

	tests := []struct {
		name       string
		claims     *auth.Claims
		pathTenant string
		wantStatus int
		wantTenant string
	}{
		{"own tenant", &auth.Claims{TenantID: "t1", Role: auth.RoleAgent}, "t1", http.StatusOK, "t1"},
		{"other tenant", &auth.Claims{TenantID: "t1", Role: auth.RoleAgent}, "t2", http.StatusForbidden, ""},
		{"admin on other tenant", &auth.Claims{TenantID: "t1", Role: auth.RoleAdmin}, "t2", http.StatusOK, "t2"},
		{"no path tenant", &auth.Claims{TenantID: "t1", Role: auth.RoleAgent}, "", http.StatusOK, "t1"},
		{"unbound token", &auth.Claims{Role: auth.RoleAgent}, "", http.StatusForbidden, ""},
		{"no claims", nil, "t1", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			ctx := req.Context()
			if tt.claims != nil {
				ctx = context.WithValue(ctx, apiContext.Claims, tt.claims)
			}
			if tt.pathTenant != "" {
				ctx = context.WithValue(ctx, apiContext.Params, httprouter.Params{{Key: "tenant_id", Value: tt.pathTenant}})
			}
			req = req.WithContext(ctx)

			var got string
			rr := httptest.NewRecorder()
			middleware.Handle(func(w http.ResponseWriter, r *http.Request) {
				got = apiContext.TenantID(r.Context())
				w.WriteHeader(http.StatusOK)
			}).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got != tt.wantTenant {
				t.Errorf("tenant = %q, want %q", got, tt.wantTenant)
			}
		})
	}
}
