package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeAccessEvaluated   = "access.evaluated"
	EventTypeRefreshTokenReuse = "security.refresh_token_reuse"
)

// AccessEvaluatedEvent is published once per filtered response.
type AccessEvaluatedEvent struct {
	BaseEvent
	UserID       string   `json:"user_id"`
	Role         string   `json:"role"`
	EntityName   string   `json:"entity_name,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	Action       string   `json:"action"`
	DeniedFields []string `json:"denied_fields"`
	Granted      bool     `json:"granted"`
	DenialReason string   `json:"denial_reason,omitempty"`
	IPAddress    string   `json:"ip_address,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Method       string   `json:"method,omitempty"`
}

func NewAccessEvaluatedEvent(at time.Time) *AccessEvaluatedEvent {
	return &AccessEvaluatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeAccessEvaluated,
			Timestamp: at,
		},
	}
}

type RefreshTokenReuseEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	FamilyID  string `json:"family_id"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func NewRefreshTokenReuseEvent(userID, familyID, ip, userAgent string) *RefreshTokenReuseEvent {
	return &RefreshTokenReuseEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeRefreshTokenReuse,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"user_id":   userID,
				"family_id": familyID,
			},
		},
		UserID:    userID,
		FamilyID:  familyID,
		IPAddress: ip,
		UserAgent: userAgent,
	}
}
