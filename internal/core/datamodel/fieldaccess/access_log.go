package fieldaccess

import (
	"time"

	"gorm.io/datatypes"
)

type AccessLog struct {
	ID           string                      `gorm:"primaryKey;size:26"`
	UserID       string                      `gorm:"column:user_id;size:64;index"`
	Role         string                      `gorm:"column:role;size:64"`
	EntityName   string                      `gorm:"column:entity_name;size:128"`
	ResourceID   string                      `gorm:"column:resource_id;size:128"`
	Action       string                      `gorm:"column:action;size:16"`
	DeniedFields datatypes.JSONSlice[string] `gorm:"column:denied_fields"`
	Granted      bool                        `gorm:"column:granted;index"`
	DenialReason string                      `gorm:"column:denial_reason"`
	IPAddress    string                      `gorm:"column:ip_address;size:64"`
	UserAgent    string                      `gorm:"column:user_agent"`
	Endpoint     string                      `gorm:"column:endpoint"`
	Method       string                      `gorm:"column:method;size:16"`
	CreatedAt    time.Time                   `gorm:"column:created_at;index"`
}

func (AccessLog) TableName() string {
	return "field_access_logs"
}
