package auth

import (
	"time"

	errors "github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/core/common/validation"
)

type RefreshTokenDTO struct {
	RefreshToken string `json:"refresh_token"`
}

func (d RefreshTokenDTO) Validate() *errors.AppError {
	v := validation.NewValidator()
	v.Field("refresh_token", d.RefreshToken).Required().MaxLength(4096)
	return v.Validate()
}

type LogoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

// SessionDTO is one active login as shown to its owner.
type SessionDTO struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	FamilyID   string     `json:"familyId"`
	IPAddress  string     `json:"ipAddress,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type SessionsResponse struct {
	Data  []SessionDTO `json:"data"`
	Count int          `json:"count"`
}
