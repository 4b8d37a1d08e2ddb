package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/fieldguard/internal/auth"
	"github.com/frahmantamala/fieldguard/internal/core/datamodel/refreshtoken"
)

type RefreshTokenRepository struct {
	db *gorm.DB
}

func NewRefreshTokenRepository(db *gorm.DB) auth.Repository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *auth.RefreshToken) error {
	return r.db.WithContext(ctx).Create(toDataModel(token)).Error
}

func (r *RefreshTokenRepository) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*auth.RefreshToken, error) {
	var rows []*refreshtoken.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, now).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromDataModels(rows), nil
}

func (r *RefreshTokenRepository) FindRevokedByUser(ctx context.Context, userID string) ([]*auth.RefreshToken, error) {
	var rows []*refreshtoken.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ?", userID, true).
		Order("revoked_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromDataModels(rows), nil
}

func (r *RefreshTokenRepository) FamilyCompromised(ctx context.Context, familyID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&refreshtoken.RefreshToken{}).
		Where("family_id = ? AND revoked_reason = ?", familyID, string(auth.ReasonReuseDetected)).
		Count(&n).Error
	return n > 0, err
}

func (r *RefreshTokenRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&refreshtoken.RefreshToken{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// RevokeIfActive is a single conditional UPDATE, so of two concurrent callers only one wins.
func (r *RefreshTokenRepository) RevokeIfActive(ctx context.Context, id string, reason auth.RevocationReason, replacedBy *string, at time.Time) (bool, error) {
	updates := map[string]any{
		"revoked":        true,
		"revoked_at":     at,
		"revoked_reason": string(reason),
	}
	if replacedBy != nil {
		updates["replaced_by"] = *replacedBy
	}
	res := r.db.WithContext(ctx).Model(&refreshtoken.RefreshToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RevokeFamily revokes the active members. A reuse revocation also relabels
// members already revoked so the family stays marked as compromised.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string, reason auth.RevocationReason, at time.Time) (int64, error) {
	var revoked int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&refreshtoken.RefreshToken{}).
			Where("family_id = ? AND revoked = ?", familyID, false).
			Updates(map[string]any{
				"revoked":        true,
				"revoked_at":     at,
				"revoked_reason": string(reason),
			})
		if res.Error != nil {
			return res.Error
		}
		revoked = res.RowsAffected

		if reason != auth.ReasonReuseDetected {
			return nil
		}
		return tx.Model(&refreshtoken.RefreshToken{}).
			Where("family_id = ?", familyID).
			Update("revoked_reason", string(reason)).Error
	})
	return revoked, err
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, reason auth.RevocationReason, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&refreshtoken.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Updates(map[string]any{
			"revoked":        true,
			"revoked_at":     at,
			"revoked_reason": string(reason),
		})
	return res.RowsAffected, res.Error
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", before).Delete(&refreshtoken.RefreshToken{})
	return res.RowsAffected, res.Error
}

func toDataModel(t *auth.RefreshToken) *refreshtoken.RefreshToken {
	return &refreshtoken.RefreshToken{
		ID:            t.ID,
		UserID:        t.UserID,
		TokenHash:     t.TokenHash,
		FamilyID:      t.FamilyID,
		ExpiresAt:     t.ExpiresAt,
		Revoked:       t.Revoked,
		RevokedAt:     t.RevokedAt,
		RevokedReason: string(t.RevokedReason),
		ReplacedBy:    t.ReplacedBy,
		LastUsedAt:    t.LastUsedAt,
		UserAgent:     t.UserAgent,
		IPAddress:     t.IPAddress,
		CreatedAt:     t.CreatedAt,
	}
}

func fromDataModels(rows []*refreshtoken.RefreshToken) []*auth.RefreshToken {
	out := make([]*auth.RefreshToken, 0, len(rows))
	for _, row := range rows {
		out = append(out, &auth.RefreshToken{
			ID:            row.ID,
			UserID:        row.UserID,
			TokenHash:     row.TokenHash,
			FamilyID:      row.FamilyID,
			ExpiresAt:     row.ExpiresAt,
			Revoked:       row.Revoked,
			RevokedAt:     row.RevokedAt,
			RevokedReason: auth.RevocationReason(row.RevokedReason),
			ReplacedBy:    row.ReplacedBy,
			LastUsedAt:    row.LastUsedAt,
			UserAgent:     row.UserAgent,
			IPAddress:     row.IPAddress,
			CreatedAt:     row.CreatedAt,
		})
	}
	return out
}
