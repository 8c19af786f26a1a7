package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/api/handlers"
	"msggateway/internal/api/middleware"
	"msggateway/internal/pkg/errors"
)

type Dependencies struct {
	ConnectionHandler *handlers.ConnectionHandler
	MessageHandler    *handlers.MessageHandler
	WebhookHandler    *handlers.WebhookHandler
	AutomationHandler *handlers.AutomationHandler
	CampaignHandler   *handlers.CampaignHandler
	EventsHandler     *handlers.EventsHandler
	HealthHandler     *handlers.HealthHandler
	MetricsHandler    *handlers.MetricsHandler
	AuthMiddleware    *middleware.AuthMiddleware
	TenantMiddleware  *middleware.TenantMiddleware
	RateLimiter       *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	router.GET("/healthz", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Provider callbacks
	router.POST("/webhook/:provider/:secret", wrap(deps.WebhookHandler.Receive))
	router.GET("/webhook/:provider/:secret", wrap(deps.WebhookHandler.Verify))

	authMid := deps.AuthMiddleware
	tenantMid := deps.TenantMiddleware
	limit := deps.RateLimiter

	tenant := func(h http.HandlerFunc) httprouter.Handle {
		return chain(h, authMid.Handle, tenantMid.Handle, limit.Handle)
	}

	const base = "/api/v1/tenants/:tenant_id"

	// Connection lifecycle
	router.POST(base+"/connect", tenant(deps.ConnectionHandler.Connect))
	router.GET(base+"/status", tenant(deps.ConnectionHandler.Status))
	router.GET(base+"/qr", tenant(deps.ConnectionHandler.QRCode))
	router.DELETE(base+"/connection", tenant(deps.ConnectionHandler.Disconnect))

	// Messaging
	router.POST(base+"/send", tenant(deps.MessageHandler.Send))
	router.POST(base+"/campaigns", tenant(deps.CampaignHandler.Start))
	router.GET(base+"/campaigns/:campaign_id", tenant(deps.CampaignHandler.Get))

	// Automation
	router.POST(base+"/triggers", tenant(deps.AutomationHandler.Trigger))
	router.POST(base+"/flows",
		chain(deps.AutomationHandler.CreateFlow, authMid.Handle, tenantMid.Handle, limit.Handle, requireRole("admin", "manager")))
	router.GET(base+"/flows", tenant(deps.AutomationHandler.ListFlows))
	router.DELETE(base+"/flows/:flow_id",
		chain(deps.AutomationHandler.DeactivateFlow, authMid.Handle, tenantMid.Handle, limit.Handle, requireRole("admin", "manager")))
	router.GET(base+"/flows/:flow_id/executions", tenant(deps.AutomationHandler.Executions))

	// Observability
	router.GET(base+"/metrics", tenant(deps.MetricsHandler.Tenant))
	router.GET(base+"/events", chain(deps.EventsHandler.Stream, authMid.Handle, tenantMid.Handle))

	return middleware.RequestLog(router)
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

func requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := apiContext.ClaimsFrom(r.Context())

			allowed := false
			for _, role := range roles {
				if ok && claims.Role == role {
					allowed = true
					break
				}
			}

			if !allowed {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
				return
			}

			next(w, r)
		}
	}
}
