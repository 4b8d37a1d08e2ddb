package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/fieldguard/internal/auth"
	"github.com/frahmantamala/fieldguard/internal/encryption"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	"github.com/frahmantamala/fieldguard/internal/metrics"
	"github.com/frahmantamala/fieldguard/internal/transport"
	"github.com/frahmantamala/fieldguard/internal/transport/middleware"
)

var adminRoles = []string{fieldaccess.RoleAdmin, fieldaccess.RoleSuperAdmin}

type Dependencies struct {
	Logger      *slog.Logger
	DB          *sqlx.DB
	Keys        KeyHealth
	Metrics     *metrics.Metrics
	MetricsPath string
	Auth        *auth.Handler
	FieldAccess *fieldaccess.Handler
	Encryption  *encryption.Handler

	// FLAC and Cipher guard Resources.
	FLAC      *fieldaccess.Middleware
	Cipher    *encryption.Service
	Resources []Resource
}

// Resource is an application route served behind field filtering and,
// when Encrypted is set, field encryption.
type Resource struct {
	// Method restricts the route; empty serves every method.
	Method    string
	Pattern   string
	Handler   http.Handler
	Access    fieldaccess.RouteConfig
	Encrypted []string
}

func RegisterAllRoutes(router chi.Router, deps Dependencies) {
	base := transport.NewBaseHandler(deps.Logger)
	health := NewHealthHandler(base, deps.DB, deps.Keys)

	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(base))
	router.Use(deps.Metrics.Instrument)
	router.Use(middleware.LoggingMiddleware(deps.Logger))

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, deps.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health.Health)
		r.Get("/ping", health.Ping)

		if deps.Auth == nil {
			return
		}

		r.Route("/auth", deps.Auth.Routes)

		if len(deps.Resources) > 0 {
			r.Group(func(rr chi.Router) {
				rr.Use(deps.Auth.OptionalAuthMiddleware)
				rr.Use(middleware.PrincipalContext)
				for _, res := range deps.Resources {
					guarded := rr.With(Protect(deps.FLAC, deps.Cipher, res.Access, res.Encrypted...))
					if res.Method == "" {
						guarded.Handle(res.Pattern, res.Handler)
					} else {
						guarded.Method(res.Method, res.Pattern, res.Handler)
					}
				}
			})
		}

		r.Group(func(ar chi.Router) {
			ar.Use(deps.Auth.AuthMiddleware)
			ar.Use(middleware.PrincipalContext)
			ar.Use(middleware.RequireRole(base, adminRoles...))

			if deps.FieldAccess != nil {
				ar.Route("/field-access", deps.FieldAccess.Routes)
			}
			if deps.Encryption != nil {
				ar.Route("/encryption", func(er chi.Router) {
					er.Get("/status", deps.Encryption.Status)
					er.Post("/detect", deps.Encryption.Detect)
				})
			}
		})
	})
}

// Protect builds the per-route stack for an application resource: the response
// is decrypted first and then filtered, and request bodies are encrypted before
// the handler sees them. Mount it after the auth middleware.
func Protect(flac *fieldaccess.Middleware, enc *encryption.Service, cfg fieldaccess.RouteConfig, encrypted ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := next
		if enc != nil && len(encrypted) > 0 {
			h = enc.Middleware(encrypted)(h)
		}
		if flac != nil {
			h = flac.Route(cfg)(h)
		}
		return h
	}
}
