package context

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"msggateway/internal/platform/auth"
)

type Key string

const (
	Claims    Key = "claims"
	Tenant    Key = "tenant"
	Params    Key = "params"
	RequestID Key = "request_id"
)

// Param returns the named route parameter injected by the router.
func Param(r *http.Request, name string) string {
	ps, _ := r.Context().Value(Params).(httprouter.Params)
	return ps.ByName(name)
}

// TenantID is the tenant the request was authorised for.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(Tenant).(string)
	return id
}

func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(Claims).(*auth.Claims)
	return c, ok && c != nil
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestID).(string)
	return id
}
