package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/fieldguard/internal/core/ids"
)

var (
	// ErrInvalidRefreshToken covers unknown, expired, malformed and logged-out tokens alike.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected")
)

// ReuseError reports a replayed token. Its family has already been revoked.
type ReuseError struct {
	UserID   string
	FamilyID string
}

func (e *ReuseError) Error() string { return ErrTokenReuseDetected.Error() }

func (e *ReuseError) Unwrap() error { return ErrTokenReuseDetected }

type Repository interface {
	Create(ctx context.Context, token *RefreshToken) error
	// FindActiveByUser returns non-revoked tokens expiring after now.
	FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*RefreshToken, error)
	FindRevokedByUser(ctx context.Context, userID string) ([]*RefreshToken, error)
	// FamilyCompromised reports whether any member was revoked for reuse.
	FamilyCompromised(ctx context.Context, familyID string) (bool, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// RevokeIfActive revokes one token only if it is still active and reports whether it did.
	RevokeIfActive(ctx context.Context, id string, reason RevocationReason, replacedBy *string, at time.Time) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, reason RevocationReason, at time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string, reason RevocationReason, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// MintFunc signs a new refresh token for the given family.
type MintFunc func(familyID string) (token string, expiresAt time.Time, err error)

type RefreshTokenTracker struct {
	repo   Repository
	hasher *TokenHasher
	logger *slog.Logger
	now    func() time.Time
}

func NewRefreshTokenTracker(repo Repository, hasher *TokenHasher, logger *slog.Logger) *RefreshTokenTracker {
	return &RefreshTokenTracker{
		repo:   repo,
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}
}

func (t *RefreshTokenTracker) clock() time.Time { return t.now().UTC() }

// Issue stores a hash of token. An empty familyID starts a new family.
func (t *RefreshTokenTracker) Issue(ctx context.Context, userID, token, familyID string, expiresAt time.Time, client ClientInfo) (*RefreshToken, error) {
	if familyID == "" {
		familyID = NewFamilyID()
	}
	hash, err := t.hasher.Hash(token)
	if err != nil {
		return nil, err
	}

	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hash,
		FamilyID:  familyID,
		ExpiresAt: expiresAt.UTC(),
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		CreatedAt: t.clock(),
	}
	if err := t.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return rec, nil
}

// NewFamilyID returns the id for a new rotation chain.
func NewFamilyID() string { return uuid.NewString() }

// Verify finds the active record matching token. A match on a revoked record, or on
// an active record of a compromised family, revokes the family and returns a *ReuseError.
func (t *RefreshTokenTracker) Verify(ctx context.Context, userID, token string) (*RefreshToken, error) {
	now := t.clock()

	active, err := t.repo.FindActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("load refresh tokens: %w", err)
	}
	for _, rec := range active {
		if !t.hasher.Matches(rec.TokenHash, token) {
			continue
		}
		compromised, err := t.repo.FamilyCompromised(ctx, rec.FamilyID)
		if err != nil {
			return nil, fmt.Errorf("check token family: %w", err)
		}
		if compromised {
			return nil, t.reuse(ctx, rec)
		}
		if err := t.repo.TouchLastUsed(ctx, rec.ID, now); err != nil {
			t.logger.Warn("failed to record refresh token use", "token_id", rec.ID, "error", err)
		}
		rec.LastUsedAt = &now
		return rec, nil
	}

	revoked, err := t.repo.FindRevokedByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load revoked refresh tokens: %w", err)
	}
	for _, rec := range revoked {
		if t.hasher.Matches(rec.TokenHash, token) {
			return nil, t.reuse(ctx, rec)
		}
	}

	return nil, ErrInvalidRefreshToken
}

// Rotate verifies presented, retires it and stores its successor in the same family.
// Losing a concurrent rotation of the same token is treated as reuse.
func (t *RefreshTokenTracker) Rotate(ctx context.Context, userID, presented string, mint MintFunc, client ClientInfo) (string, *RefreshToken, error) {
	current, err := t.Verify(ctx, userID, presented)
	if err != nil {
		return "", nil, err
	}

	token, expiresAt, err := mint(current.FamilyID)
	if err != nil {
		return "", nil, err
	}
	successorID := ids.New()

	won, err := t.repo.RevokeIfActive(ctx, current.ID, ReasonRotated, &successorID, t.clock())
	if err != nil {
		return "", nil, fmt.Errorf("retire refresh token: %w", err)
	}
	if !won {
		return "", nil, t.reuse(ctx, current)
	}

	hash, err := t.hasher.Hash(token)
	if err != nil {
		return "", nil, err
	}
	next := &RefreshToken{
		ID:        successorID,
		UserID:    userID,
		TokenHash: hash,
		FamilyID:  current.FamilyID,
		ExpiresAt: expiresAt.UTC(),
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		CreatedAt: t.clock(),
	}
	if err := t.repo.Create(ctx, next); err != nil {
		return "", nil, fmt.Errorf("store refresh token: %w", err)
	}

	// a replay may have revoked the family while the successor was being written
	compromised, err := t.repo.FamilyCompromised(ctx, current.FamilyID)
	if err != nil {
		return "", nil, fmt.Errorf("check token family: %w", err)
	}
	if compromised {
		return "", nil, t.reuse(ctx, next)
	}
	return token, next, nil
}

// RevokeToken revokes the active token matching token. Reports whether one was found.
func (t *RefreshTokenTracker) RevokeToken(ctx context.Context, userID, token string, reason RevocationReason) (bool, error) {
	active, err := t.repo.FindActiveByUser(ctx, userID, t.clock())
	if err != nil {
		return false, fmt.Errorf("load refresh tokens: %w", err)
	}
	for _, rec := range active {
		if t.hasher.Matches(rec.TokenHash, token) {
			return t.repo.RevokeIfActive(ctx, rec.ID, reason, nil, t.clock())
		}
	}
	return false, nil
}

func (t *RefreshTokenTracker) RevokeFamily(ctx context.Context, familyID string, reason RevocationReason) (int64, error) {
	n, err := t.repo.RevokeFamily(ctx, familyID, reason, t.clock())
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	return n, nil
}

func (t *RefreshTokenTracker) RevokeAllForUser(ctx context.Context, userID string, reason RevocationReason) (int64, error) {
	n, err := t.repo.RevokeAllForUser(ctx, userID, reason, t.clock())
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes every token past its expiry, revoked or not.
func (t *RefreshTokenTracker) CleanupExpired(ctx context.Context) (int64, error) {
	return t.repo.DeleteExpired(ctx, t.clock())
}

func (t *RefreshTokenTracker) reuse(ctx context.Context, rec *RefreshToken) error {
	n, err := t.repo.RevokeFamily(ctx, rec.FamilyID, ReasonReuseDetected, t.clock())
	if err != nil {
		t.logger.Error("failed to revoke compromised token family", "family_id", rec.FamilyID, "error", err)
	}
	t.logger.Warn("refresh token reuse detected, family revoked",
		"user_id", rec.UserID, "family_id", rec.FamilyID, "revoked", n)
	return &ReuseError{UserID: rec.UserID, FamilyID: rec.FamilyID}
}

// ActiveSessions lists the user's unrevoked, unexpired tokens.
func (t *RefreshTokenTracker) ActiveSessions(ctx context.Context, userID string) ([]*RefreshToken, error) {
	return t.repo.FindActiveByUser(ctx, userID, t.clock())
}
