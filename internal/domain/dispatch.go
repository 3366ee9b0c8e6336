package domain

import (
	"context"
	"log/slog"
	"net/url"
	"time"
)

// PlatformAPI is the outbound Helix client handed to handlers. Implementations
// attach credentials and retry once on 401.
type PlatformAPI interface {
	Do(ctx context.Context, method, path string, query url.Values, body, out any) error
}

// BridgeEvent is the normalised form of a notification forwarded to the
// bridge consumers.
type BridgeEvent struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	MessageID  string    `json:"message_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event BridgeEvent) error
}

// DispatchContext carries the collaborators a handler needs for one event.
// It is built fresh per event and never shared.
type DispatchContext struct {
	TenantID   string
	MessageID  string
	EventType  string
	OccurredAt time.Time
	API        PlatformAPI
	Publisher  EventPublisher
	Logger     *slog.Logger
}

// ContextFactory builds the DispatchContext for a resolved tenant.
type ContextFactory interface {
	NewContext(ctx context.Context, tenantID string, msg NotificationMessage) (*DispatchContext, error)
}
