package twitch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// ContextFactory builds per-event dispatch contexts. The tenant's
// credentials are looked up once so events for unknown tenants fail here
// instead of inside a handler.
type ContextFactory struct {
	api       *APIClient
	tokens    domain.TokenProvider
	publisher domain.EventPublisher
}

func NewContextFactory(api *APIClient, tokens domain.TokenProvider, publisher domain.EventPublisher) *ContextFactory {
	return &ContextFactory{api: api, tokens: tokens, publisher: publisher}
}

func (f *ContextFactory) NewContext(ctx context.Context, tenantID string, msg domain.NotificationMessage) (*domain.DispatchContext, error) {
	if _, err := f.tokens.AccessToken(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("tenant %s has no usable credentials: %w", tenantID, err)
	}

	eventType := msg.RoutingKey()
	return &domain.DispatchContext{
		TenantID:   tenantID,
		MessageID:  msg.Metadata.MessageID,
		EventType:  eventType,
		OccurredAt: msg.Metadata.MessageTimestamp,
		API:        f.api.ForTenant(tenantID),
		Publisher:  f.publisher,
		Logger:     slog.Default().With("tenant_id", tenantID, "event_type", eventType),
	}, nil
}
