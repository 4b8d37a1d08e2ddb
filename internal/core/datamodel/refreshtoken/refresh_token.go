package refreshtoken

import "time"

type RefreshToken struct {
	ID            string     `gorm:"primaryKey;size:26"`
	UserID        string     `gorm:"column:user_id;size:64;not null;index"`
	TokenHash     string     `gorm:"column:token_hash;not null"`
	FamilyID      string     `gorm:"column:family_id;size:36;not null;index"`
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null"`
	Revoked       bool       `gorm:"column:revoked;not null;default:false"`
	RevokedAt     *time.Time `gorm:"column:revoked_at"`
	RevokedReason string     `gorm:"column:revoked_reason;size:32"`
	ReplacedBy    *string    `gorm:"column:replaced_by;size:26"`
	LastUsedAt    *time.Time `gorm:"column:last_used_at"`
	UserAgent     string     `gorm:"column:user_agent"`
	IPAddress     string     `gorm:"column:ip_address;size:64"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}
