package middleware

import (
	"net/http"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

// PrincipalContext adds the authenticated caller to the request logger.
// Mount it after the auth middleware.
func PrincipalContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := internal.PrincipalFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := logger.With(r.Context(), "user_id", p.UserID, "role", p.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
