package internal

import (
	"context"
	"time"
)

type ctxKey string

const (
	ContextUserKey      ctxKey = "userID"
	ContextPrincipalKey ctxKey = "principal"
)

// RolePublic is assumed for requests without an authenticated principal.
const RolePublic = "public"

// Principal is the authenticated caller as seen by access control.
type Principal struct {
	UserID string
	Role   string
}

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.UserID
	}
	if userID, ok := ctx.Value(ContextUserKey).(string); ok {
		return userID
	}
	return ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserKey, userID)
}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, ContextPrincipalKey, p)
	return ContextWithUserID(ctx, p.UserID)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(ContextPrincipalKey).(Principal)
	return p, ok
}

// RoleFromContext returns the caller role, or RolePublic when unauthenticated.
func RoleFromContext(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok && p.Role != "" {
		return p.Role
	}
	return RolePublic
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
