package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keygate-io/keygate/internal/billing"
	"github.com/keygate-io/keygate/internal/config"
	"github.com/keygate-io/keygate/internal/license"
	"github.com/keygate-io/keygate/internal/registry"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Issuer     *license.Issuer
	Validator  *license.Validator
	Admin      *license.Admin
	Reconciler *billing.Reconciler
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Liveness/readiness probes are unauthenticated.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.Registry))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Validation API. Deployments validate at startup and periodically, a
	// handful of calls per hour each, so the window is generous.
	validateLimiter := NewRateLimiter(60, time.Minute)
	mux.Handle("POST /api/v1/licenses/validate", validateLimiter.Middleware(HandleValidate(deps.Validator)))

	statusLimiter := NewRateLimiter(30, time.Minute)
	mux.Handle("POST /api/v1/licenses/status", statusLimiter.Middleware(HandleStatus(deps.Registry)))

	// Billing webhook (signature-authenticated).
	webhookHandler := billing.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Reconciler)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Admin API (key-authenticated).
	mux.Handle("POST /admin/customers", adminAuth(HandleCreateCustomer(deps.Registry)))
	mux.Handle("POST /admin/licenses", adminAuth(HandleGenerateLicense(deps.Issuer)))
	mux.Handle("GET /admin/licenses", adminAuth(HandleListLicenses(deps.Registry)))
	mux.Handle("POST /admin/licenses/{id}/revoke", adminAuth(HandleRevokeLicense(deps.Admin)))
	mux.Handle("POST /admin/licenses/{id}/reactivate", adminAuth(HandleReactivateLicense(deps.Admin)))
	mux.Handle("POST /admin/licenses/{id}/extend", adminAuth(HandleExtendLicense(deps.Admin)))
	mux.Handle("GET /admin/audit", adminAuth(HandleListAudit(deps.Registry)))
}
