package auth

import (
	"net"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(base *transport.BaseHandler, svc ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: base,
		Service:     svc,
	}
}

// Routes mounts the token endpoints. logout-all needs an authenticated caller.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/refresh", h.RefreshToken)
	r.Post("/logout", h.Logout)
	r.With(h.AuthMiddleware).Post("/logout-all", h.LogoutAll)
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var dto RefreshTokenDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	if err := dto.Validate(); err != nil {
		h.WriteAppError(w, err)
		return
	}

	tokens, err := h.Service.Refresh(r.Context(), dto.RefreshToken, ClientInfoFromRequest(r))
	if err != nil {
		h.WriteAppError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var dto RefreshTokenDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.WriteAppError(w, err)
		return
	}
	if err := dto.Validate(); err != nil {
		h.WriteAppError(w, err)
		return
	}

	if err := h.Service.Logout(r.Context(), dto.RefreshToken); err != nil {
		h.WriteAppError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == "" {
		h.WriteAppError(w, internal.ErrInvalidToken)
		return
	}

	n, err := h.Service.LogoutAll(r.Context(), userID)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, LogoutAllResponse{Revoked: n})
}

// Sessions lists the caller's active logins. It is served as a filtered
// resource, see rest.Resource.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == "" {
		h.WriteAppError(w, internal.NewUnauthorizedError("Authentication required", internal.ErrCodeInvalidToken))
		return
	}

	sessions, err := h.Service.Sessions(r.Context(), userID)
	if err != nil {
		h.WriteAppError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, SessionsResponse{Data: sessions, Count: len(sessions)})
}

// AuthMiddleware rejects requests without a valid access token.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.WriteAppError(w, internal.NewUnauthorizedError("Missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		claims, err := h.Service.ValidateAccessToken(token)
		if err != nil {
			h.Logger.Debug("access token rejected", "error", err)
			h.WriteAppError(w, err)
			return
		}

		ctx := internal.ContextWithPrincipal(r.Context(), internal.Principal{UserID: claims.UserID(), Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuthMiddleware attaches a principal when a valid token is present and
// otherwise lets the request through as public.
func (h *Handler) OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := h.Service.ValidateAccessToken(token)
		if err != nil {
			h.WriteAppError(w, err)
			return
		}

		ctx := internal.ContextWithPrincipal(r.Context(), internal.Principal{UserID: claims.UserID(), Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClientInfoFromRequest(r *http.Request) ClientInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ClientInfo{IPAddress: ip, UserAgent: r.UserAgent()}
}
