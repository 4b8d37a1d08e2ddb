package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/core/events"
	"github.com/frahmantamala/fieldguard/internal/metrics"
)

type ServiceAPI interface {
	IssueSession(ctx context.Context, principal apperrors.Principal, client ClientInfo) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) (int64, error)
	Sessions(ctx context.Context, userID string) ([]SessionDTO, error)
	ValidateAccessToken(tokenString string) (*Claims, error)
}

type Service struct {
	tokens  TokenGenerator
	tracker *RefreshTokenTracker
	bus     *events.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(tokens TokenGenerator, tracker *RefreshTokenTracker, bus *events.EventBus, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		tokens:  tokens,
		tracker: tracker,
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// IssueSession starts a new token family for principal.
func (s *Service) IssueSession(ctx context.Context, principal apperrors.Principal, client ClientInfo) (*TokenPair, error) {
	if principal.UserID == "" {
		return nil, apperrors.NewValidationFieldError("user_id", "user_id is required", apperrors.ErrCodeValidationFailed)
	}
	if principal.Role == "" {
		principal.Role = apperrors.RolePublic
	}

	family := NewFamilyID()
	refresh, refreshExp, err := s.tokens.GenerateRefreshToken(principal.UserID, principal.Role, family)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to issue token", err)
	}
	if _, err := s.tracker.Issue(ctx, principal.UserID, refresh, family, refreshExp, client); err != nil {
		return nil, apperrors.NewInternalError("Failed to issue token", err)
	}

	access, accessExp, err := s.tokens.GenerateAccessToken(principal.UserID, principal.Role)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to issue token", err)
	}

	s.logger.Info("session issued", "user_id", principal.UserID, "role", principal.Role, "family_id", family)
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// retired; presenting it again revokes every token of its family.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*TokenPair, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, apperrors.ErrInvalidRefreshToken.WithCause(err)
	}
	userID, role := claims.UserID(), claims.Role

	next, rec, err := s.tracker.Rotate(ctx, userID, refreshToken, func(familyID string) (string, time.Time, error) {
		return s.tokens.GenerateRefreshToken(userID, role, familyID)
	}, client)
	if err != nil {
		return nil, s.refreshFailed(ctx, err, client)
	}

	access, accessExp, err := s.tokens.GenerateAccessToken(userID, role)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to issue token", err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     next,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) refreshFailed(ctx context.Context, err error, client ClientInfo) error {
	var reuse *ReuseError
	switch {
	case errors.As(err, &reuse):
		s.metrics.TokenReuseDetected()
		if s.bus != nil {
			ev := events.NewRefreshTokenReuseEvent(reuse.UserID, reuse.FamilyID, client.IPAddress, client.UserAgent)
			if perr := s.bus.Publish(ctx, ev); perr != nil {
				s.logger.Error("failed to publish token reuse event", "error", perr)
			}
		}
		return apperrors.NewTokenReuseError()
	case errors.Is(err, ErrInvalidRefreshToken):
		return apperrors.ErrInvalidRefreshToken
	default:
		return apperrors.NewInternalError("Failed to refresh token", err)
	}
}

// Logout revokes one refresh token. Unknown or already revoked tokens are not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return apperrors.ErrInvalidRefreshToken.WithCause(err)
	}
	found, err := s.tracker.RevokeToken(ctx, claims.UserID(), refreshToken, ReasonLogout)
	if err != nil {
		return apperrors.NewInternalError("Failed to revoke token", err)
	}
	if !found {
		s.logger.Debug("logout with inactive refresh token", "user_id", claims.UserID())
	}
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.tracker.RevokeAllForUser(ctx, userID, ReasonRevokeAll)
	if err != nil {
		return 0, apperrors.NewInternalError("Failed to revoke tokens", err)
	}
	s.logger.Info("all sessions revoked", "user_id", userID, "revoked", n)
	return n, nil
}

func (s *Service) Sessions(ctx context.Context, userID string) ([]SessionDTO, error) {
	tokens, err := s.tracker.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to list sessions", err)
	}
	out := make([]SessionDTO, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, SessionDTO{
			ID:         t.ID,
			UserID:     t.UserID,
			FamilyID:   t.FamilyID,
			IPAddress:  t.IPAddress,
			UserAgent:  t.UserAgent,
			CreatedAt:  t.CreatedAt,
			ExpiresAt:  t.ExpiresAt,
			LastUsedAt: t.LastUsedAt,
		})
	}
	return out, nil
}

func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.tokens.ValidateAccessToken(tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}
		return nil, apperrors.ErrInvalidToken
	}
	return claims, nil
}

// CleanupExpired removes expired refresh tokens. Used by the sweep worker.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.tracker.CleanupExpired(ctx)
}
