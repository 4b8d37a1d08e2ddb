package fieldaccess

import (
	"slices"
	"time"

	"gorm.io/datatypes"

	fieldaccessDatamodel "github.com/frahmantamala/fieldguard/internal/core/datamodel/fieldaccess"
)

// Rule is an admin-managed policy override stored in the database.
type Rule struct {
	ID            string     `json:"id"`
	Role          string     `json:"role"`
	EntityName    *string    `json:"entityName,omitempty"`
	AllowSelfOnly *bool      `json:"allowSelfOnly,omitempty"`
	Allow         []string   `json:"allow"`
	Deny          []string   `json:"deny"`
	AllowRead     bool       `json:"allowRead"`
	AllowWrite    bool       `json:"allowWrite"`
	AllowDelete   bool       `json:"allowDelete"`
	Priority      int        `json:"priority"`
	IsActive      bool       `json:"isActive"`
	Description   string     `json:"description,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	ModifiedBy    string     `json:"modifiedBy,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// AppliesAt reports whether the rule is active and unexpired at t.
func (r *Rule) AppliesAt(t time.Time) bool {
	return r.IsActive && (r.ExpiresAt == nil || r.ExpiresAt.After(t))
}

func (r *Rule) Targets(entity string) bool {
	return r.EntityName != nil && *r.EntityName == entity
}

func (r *Rule) Permits(action Action) bool {
	switch action {
	case ActionRead:
		return r.AllowRead
	case ActionWrite:
		return r.AllowWrite
	case ActionDelete:
		return r.AllowDelete
	}
	return false
}

func RuleToDataModel(r *Rule) *fieldaccessDatamodel.Rule {
	return &fieldaccessDatamodel.Rule{
		ID:            r.ID,
		Role:          r.Role,
		EntityName:    r.EntityName,
		AllowSelfOnly: r.AllowSelfOnly,
		Allow:         datatypes.NewJSONSlice(nonNil(r.Allow)),
		Deny:          datatypes.NewJSONSlice(nonNil(r.Deny)),
		AllowRead:     r.AllowRead,
		AllowWrite:    r.AllowWrite,
		AllowDelete:   r.AllowDelete,
		Priority:      r.Priority,
		IsActive:      r.IsActive,
		Description:   r.Description,
		CreatedBy:     r.CreatedBy,
		ModifiedBy:    r.ModifiedBy,
		ExpiresAt:     r.ExpiresAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func RuleFromDataModel(r *fieldaccessDatamodel.Rule) *Rule {
	return &Rule{
		ID:            r.ID,
		Role:          r.Role,
		EntityName:    r.EntityName,
		AllowSelfOnly: r.AllowSelfOnly,
		Allow:         nonNil([]string(r.Allow)),
		Deny:          nonNil([]string(r.Deny)),
		AllowRead:     r.AllowRead,
		AllowWrite:    r.AllowWrite,
		AllowDelete:   r.AllowDelete,
		Priority:      r.Priority,
		IsActive:      r.IsActive,
		Description:   r.Description,
		CreatedBy:     r.CreatedBy,
		ModifiedBy:    r.ModifiedBy,
		ExpiresAt:     r.ExpiresAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type AccessLog struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Role         string    `json:"role"`
	EntityName   string    `json:"entityName,omitempty"`
	ResourceID   string    `json:"resourceId,omitempty"`
	Action       Action    `json:"action"`
	DeniedFields []string  `json:"deniedFields"`
	Granted      bool      `json:"granted"`
	DenialReason string    `json:"denialReason,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Metadata     LogMeta   `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
}

type LogMeta struct {
	Endpoint string `json:"endpoint,omitempty"`
	Method   string `json:"method,omitempty"`
}

func AccessLogFromEvent(e AccessEvent) *AccessLog {
	return &AccessLog{
		UserID:       e.UserID,
		Role:         e.Role,
		EntityName:   e.EntityName,
		ResourceID:   e.ResourceID,
		Action:       e.Action,
		DeniedFields: slices.Clone(e.DeniedFields),
		Granted:      e.Granted,
		DenialReason: e.DenialReason,
		IPAddress:    e.Request.IPAddress,
		UserAgent:    e.Request.UserAgent,
		Metadata:     LogMeta{Endpoint: e.Request.Endpoint, Method: e.Request.Method},
		CreatedAt:    e.OccurredAt,
	}
}

func AccessLogToDataModel(l *AccessLog) *fieldaccessDatamodel.AccessLog {
	return &fieldaccessDatamodel.AccessLog{
		ID:           l.ID,
		UserID:       l.UserID,
		Role:         l.Role,
		EntityName:   l.EntityName,
		ResourceID:   l.ResourceID,
		Action:       string(l.Action),
		DeniedFields: datatypes.NewJSONSlice(nonNil(l.DeniedFields)),
		Granted:      l.Granted,
		DenialReason: l.DenialReason,
		IPAddress:    l.IPAddress,
		UserAgent:    l.UserAgent,
		Endpoint:     l.Metadata.Endpoint,
		Method:       l.Metadata.Method,
		CreatedAt:    l.CreatedAt,
	}
}

func AccessLogFromDataModel(l *fieldaccessDatamodel.AccessLog) *AccessLog {
	return &AccessLog{
		ID:           l.ID,
		UserID:       l.UserID,
		Role:         l.Role,
		EntityName:   l.EntityName,
		ResourceID:   l.ResourceID,
		Action:       Action(l.Action),
		DeniedFields: nonNil([]string(l.DeniedFields)),
		Granted:      l.Granted,
		DenialReason: l.DenialReason,
		IPAddress:    l.IPAddress,
		UserAgent:    l.UserAgent,
		Metadata:     LogMeta{Endpoint: l.Endpoint, Method: l.Method},
		CreatedAt:    l.CreatedAt,
	}
}

type CountByKey struct {
	Key   string `json:"key" db:"bucket"`
	Count int64  `json:"count" db:"n"`
}

type AccessStats struct {
	Total      int64        `json:"total"`
	Granted    int64        `json:"granted"`
	Denied     int64        `json:"denied"`
	DenialRate string       `json:"denialRate"`
	ByAction   []CountByKey `json:"byAction"`
	ByRole     []CountByKey `json:"byRole"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
