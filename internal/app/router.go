package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/traderdesk/traderdesk/internal/auth"
	audithttp "github.com/traderdesk/traderdesk/internal/audit/http"
	"github.com/traderdesk/traderdesk/internal/billing"
	"github.com/traderdesk/traderdesk/internal/identity"
	"github.com/traderdesk/traderdesk/internal/notify"
	"github.com/traderdesk/traderdesk/internal/observability"
	"github.com/traderdesk/traderdesk/internal/promos"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/tickets"
	"github.com/traderdesk/traderdesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger *slog.Logger
	Config *Config

	AuthService *auth.Service

	AuthHandler        *auth.Handler
	IdentityHandler    *identity.Handler
	RolesHandler       *rbac.RolesHandler
	PermissionsHandler *rbac.PermissionsHandler
	AssignmentsHandler *rbac.AssignmentsHandler
	AuditHandler       *audithttp.Handler
	TicketsHandler     *tickets.Handler
	PromosHandler      *promos.Handler
	BillingHandler     *billing.Handler
	NotifyHandler      *notify.Handler
	JobHandler         *jobs.Handler

	Metrics *observability.Metrics
}

// NewRouter constructs the chi.Router with TraderDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	var authenticator func(http.Handler) http.Handler
	if params.AuthService != nil {
		authenticator = params.AuthService.Authenticator
	}
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:        params.Logger,
		Config:        params.Config,
		Authenticator: authenticator,
		Metrics:       params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}

	// End-user surface.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireIdentity)
		if params.TicketsHandler != nil {
			r.Route("/tickets", params.TicketsHandler.MountUserRoutes)
		}
		if params.PromosHandler != nil {
			r.Route("/promos", params.PromosHandler.MountUserRoutes)
		}
		if params.BillingHandler != nil {
			r.Route("/billing", params.BillingHandler.MountUserRoutes)
		}
		if params.NotifyHandler != nil {
			r.Route("/notify", params.NotifyHandler.MountRoutes)
		}
	})

	// Provider callbacks carry their own shared-secret check.
	if params.BillingHandler != nil {
		r.Route("/webhooks/billing", params.BillingHandler.MountWebhookRoutes)
	}

	// Admin surface; every route body is gated by permission middleware.
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireIdentity)
		if params.IdentityHandler != nil || params.AssignmentsHandler != nil {
			r.Route("/users", func(r chi.Router) {
				if params.IdentityHandler != nil {
					params.IdentityHandler.MountAdminRoutes(r)
				}
				if params.AssignmentsHandler != nil {
					params.AssignmentsHandler.MountUserRoutes(r)
				}
			})
		}
		if params.AssignmentsHandler != nil {
			r.Route("/admins", params.AssignmentsHandler.MountAdminRoutes)
		}
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit-logs", params.AuditHandler.MountRoutes)
		}
		if params.TicketsHandler != nil {
			r.Route("/tickets", params.TicketsHandler.MountAdminRoutes)
		}
		if params.PromosHandler != nil {
			r.Route("/promo-codes", params.PromosHandler.MountAdminRoutes)
		}
		if params.BillingHandler != nil {
			r.Route("/subscriptions", params.BillingHandler.MountAdminRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
