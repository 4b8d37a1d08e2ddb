package middleware

import (
	"net/http"
	"slices"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/transport"
)

// RequireRole lets the request through only when the caller holds one of roles.
// Unauthenticated callers get 401, authenticated ones with another role 403.
func RequireRole(base *transport.BaseHandler, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := internal.PrincipalFromContext(r.Context())
			if !ok {
				base.WriteAppError(w, internal.NewUnauthorizedError("Authentication required", internal.ErrCodeInvalidToken))
				return
			}

			if !slices.Contains(roles, p.Role) {
				base.Logger.Warn("access denied: role not allowed",
					"user_id", p.UserID,
					"role", p.Role,
					"required_roles", roles,
					"path", r.URL.Path)
				base.WriteAppError(w, internal.ErrInsufficientRole)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
