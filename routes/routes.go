package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/tenant-isolation/app"
	"github.com/upb/tenant-isolation/middleware"
	"github.com/upb/tenant-isolation/tenancy"
	"github.com/upb/tenant-isolation/utils"
)

const (
	requestTimeout   = 60 * time.Second
	documentResource = "documents"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.EchoRequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))

	orgHeader := deps.Config.Tenancy.OrgHeader
	if orgHeader == "" {
		orgHeader = tenancy.DefaultOrgHeader
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", orgHeader},
		ExposedHeaders:   []string{"Location", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	tenant := deps.TenantMiddleware
	audited := deps.AuditMiddleware.Record(documentResource)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(tenant.ResolveTenant)
		if deps.QuotaMiddleware != nil {
			r.Use(deps.QuotaMiddleware.Enforce)
		}

		r.Get("/context", deps.ContextHandler.HandleGetContext)

		// Tenant documents
		r.Route("/collections/{collection}", func(r chi.Router) {
			docs := deps.DocumentHandler

			r.With(tenant.RequirePermission(tenancy.PermissionDocumentsRead)).
				Post("/aggregate", docs.HandleAggregate)

			r.Route("/documents", func(r chi.Router) {
				r.With(tenant.RequirePermission(tenancy.PermissionDocumentsRead)).
					Get("/", docs.HandleListDocuments)
				r.With(tenant.RequirePermission(tenancy.PermissionDocumentsWrite), audited).
					Post("/", docs.HandleCreateDocument)
				r.With(tenant.RequirePermission(tenancy.PermissionDocumentsRead)).
					Get("/{id}", docs.HandleGetDocument)
				r.With(tenant.RequirePermission(tenancy.PermissionDocumentsWrite), audited).
					Patch("/{id}", docs.HandleUpdateDocument)
				r.With(tenant.RequirePermission(tenancy.PermissionDocumentsDelete), audited).
					Delete("/{id}", docs.HandleDeleteDocument)
			})
		})

		// Audit trail
		r.Route("/audit", func(r chi.Router) {
			r.Use(tenant.RequirePermission(tenancy.PermissionAuditRead))
			r.Get("/logs", deps.AuditHandler.HandleListLogs)
			r.Get("/resources/{type}/{id}", deps.AuditHandler.HandleResourceHistory)
			r.Get("/users/{id}", deps.AuditHandler.HandleUserActivity)
		})

		// Tenant events
		r.Route("/events", func(r chi.Router) {
			r.Use(tenant.RequirePermission(tenancy.PermissionEventsRead))
			r.Get("/", deps.EventHandler.HandleListEvents)
			r.With(tenant.RequireFeature("advanced_analytics")).
				Get("/stats", deps.EventHandler.HandleStats)
			r.Get("/{id}", deps.EventHandler.HandleGetEvent)
		})

		r.With(tenant.RequirePermission(tenancy.PermissionSecurityRead)).
			Get("/security/violations", deps.SecurityHandler.HandleViolations)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusNotFound, "not_found", "Endpoint not found",
			middleware.GetRequestIDFromContext(r.Context()), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed",
			middleware.GetRequestIDFromContext(r.Context()), nil)
	})

	return r
}
