package fieldaccess

import (
	"time"

	"gorm.io/datatypes"
)

type Rule struct {
	ID            string                      `gorm:"primaryKey;size:26"`
	Role          string                      `gorm:"column:role;size:64;not null;index:idx_rules_lookup,priority:1"`
	EntityName    *string                     `gorm:"column:entity_name;size:128;index:idx_rules_lookup,priority:2"`
	AllowSelfOnly *bool                       `gorm:"column:allow_self_only"`
	Allow         datatypes.JSONSlice[string] `gorm:"column:allow_patterns"`
	Deny          datatypes.JSONSlice[string] `gorm:"column:deny_patterns"`
	AllowRead     bool                        `gorm:"column:allow_read;not null"`
	AllowWrite    bool                        `gorm:"column:allow_write;not null"`
	AllowDelete   bool                        `gorm:"column:allow_delete;not null"`
	Priority      int                         `gorm:"column:priority;not null;default:0"`
	IsActive      bool                        `gorm:"column:is_active;not null;index:idx_rules_lookup,priority:3"`
	Description   string                      `gorm:"column:description"`
	CreatedBy     string                      `gorm:"column:created_by;size:64"`
	ModifiedBy    string                      `gorm:"column:modified_by;size:64"`
	ExpiresAt     *time.Time                  `gorm:"column:expires_at"`
	CreatedAt     time.Time                   `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (Rule) TableName() string {
	return "field_access_rules"
}
