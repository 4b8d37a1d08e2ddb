package fieldaccess

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/fieldguard/internal/core/events"
)

// BusSink publishes access events on the event bus so the response path never
// waits on the audit write.
type BusSink struct {
	bus *events.EventBus
}

func NewBusSink(bus *events.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) RecordAccess(ctx context.Context, e AccessEvent) {
	ev := events.NewAccessEvaluatedEvent(e.OccurredAt)
	ev.UserID = e.UserID
	ev.Role = e.Role
	ev.EntityName = e.EntityName
	ev.ResourceID = e.ResourceID
	ev.Action = string(e.Action)
	ev.DeniedFields = e.DeniedFields
	ev.Granted = e.Granted
	ev.DenialReason = e.DenialReason
	ev.IPAddress = e.Request.IPAddress
	ev.UserAgent = e.Request.UserAgent
	ev.Endpoint = e.Request.Endpoint
	ev.Method = e.Request.Method
	_ = s.bus.Publish(ctx, ev)
}

// SubscribeAuditLog persists every access.evaluated event as an access log row.
func SubscribeAuditLog(bus *events.EventBus, svc *Service) {
	bus.Subscribe(events.EventTypeAccessEvaluated, func(ctx context.Context, event events.Event) error {
		ev, ok := event.(*events.AccessEvaluatedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		return svc.LogAccess(ctx, &AccessLog{
			UserID:       ev.UserID,
			Role:         ev.Role,
			EntityName:   ev.EntityName,
			ResourceID:   ev.ResourceID,
			Action:       Action(ev.Action),
			DeniedFields: ev.DeniedFields,
			Granted:      ev.Granted,
			DenialReason: ev.DenialReason,
			IPAddress:    ev.IPAddress,
			UserAgent:    ev.UserAgent,
			Metadata:     LogMeta{Endpoint: ev.Endpoint, Method: ev.Method},
			CreatedAt:    ev.OccurredAt(),
		})
	})
}

const (
	EntityRefreshToken = "RefreshToken"
	ReasonTokenReuse   = "refresh token reuse detected"
)

// SubscribeSecurityEvents records refresh token replays in the access log so
// they show up next to denied field access.
func SubscribeSecurityEvents(bus *events.EventBus, svc *Service, logger *slog.Logger) {
	bus.Subscribe(events.EventTypeRefreshTokenReuse, func(ctx context.Context, event events.Event) error {
		ev, ok := event.(*events.RefreshTokenReuseEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		logger.Warn("security event: refresh token reuse",
			"user_id", ev.UserID,
			"family_id", ev.FamilyID,
			"ip_address", ev.IPAddress)

		return svc.LogAccess(ctx, &AccessLog{
			UserID:       ev.UserID,
			EntityName:   EntityRefreshToken,
			ResourceID:   ev.FamilyID,
			Action:       ActionWrite,
			DeniedFields: []string{},
			Granted:      false,
			DenialReason: ReasonTokenReuse,
			IPAddress:    ev.IPAddress,
			UserAgent:    ev.UserAgent,
			CreatedAt:    ev.OccurredAt(),
		})
	})
}
