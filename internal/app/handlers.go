package app

import (
	"context"
	"fmt"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/jonboulle/clockwork"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/eventsub"
)

// EventSub subscription types handled by the service.
const (
	EventChatMessage      = helix.EventSubTypeChannelChatMessage
	EventFollow           = "channel.follow"
	EventSubscribe        = "channel.subscribe"
	EventSubscriptionGift = "channel.subscription.gift"
	EventCheer            = "channel.cheer"
	EventRaid             = "channel.raid"
	EventRedemption       = "channel.channel_points_custom_reward_redemption.add"
	EventStreamOnline     = "stream.online"
	EventStreamOffline    = "stream.offline"
)

// Bridge event kinds, as seen by bridge consumers.
const (
	KindChatMessage      = "chat_message"
	KindFollow           = "follow"
	KindSubscribe        = "subscribe"
	KindSubscriptionGift = "subscription_gift"
	KindCheer            = "cheer"
	KindRaid             = "raid"
	KindRedemption       = "redemption"
	KindStreamOnline     = "stream_online"
	KindStreamOffline    = "stream_offline"
)

// Handlers forwards notifications to the bridge as BridgeEvents.
type Handlers struct {
	clock clockwork.Clock
}

func NewHandlers(clock clockwork.Clock) *Handlers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handlers{clock: clock}
}

// Registrations returns one registration per handled event type.
func (h *Handlers) Registrations() []eventsub.Registration {
	return []eventsub.Registration{
		{
			EventType: EventChatMessage,
			Handler:   forwardAs(h.clock, KindChatMessage, chatMessage),
			Validator: eventsub.RequireFields("broadcaster_user_id", "chatter_user_id", "message"),
		},
		forward[FollowEvent](h.clock, EventFollow, KindFollow),
		forward[SubscribeEvent](h.clock, EventSubscribe, KindSubscribe),
		forward[SubscriptionGiftEvent](h.clock, EventSubscriptionGift, KindSubscriptionGift),
		forward[CheerEvent](h.clock, EventCheer, KindCheer),
		forward[RaidEvent](h.clock, EventRaid, KindRaid),
		forward[RedemptionEvent](h.clock, EventRedemption, KindRedemption),
		{
			EventType: EventStreamOnline,
			Handler:   forwardAs(h.clock, KindStreamOnline, identity[StreamOnlineEvent]),
			Validator: eventsub.RequireFields("broadcaster_user_id", "started_at"),
		},
		{
			EventType: EventStreamOffline,
			Handler:   forwardAs(h.clock, KindStreamOffline, identity[StreamOfflineEvent]),
			Validator: eventsub.RequireFields("broadcaster_user_id"),
		},
	}
}

// Register adds every built-in handler to registry.
func (h *Handlers) Register(registry *eventsub.Registry) error {
	if err := registry.RegisterAll(h.Registrations()...); err != nil {
		return fmt.Errorf("failed to register built-in handlers: %w", err)
	}
	return nil
}

func forward[T any](clock clockwork.Clock, eventType, kind string) eventsub.Registration {
	return eventsub.Registration{
		EventType: eventType,
		Handler:   forwardAs(clock, kind, identity[T]),
		Validator: eventsub.ValidateJSON[T](),
	}
}

func forwardAs[T any](clock clockwork.Clock, kind string, normalise func(T) any) eventsub.HandlerFunc {
	return eventsub.Typed(func(ctx context.Context, event T, dc *domain.DispatchContext) error {
		occurredAt := dc.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = clock.Now()
		}

		bridgeEvent := domain.BridgeEvent{
			Type:       kind,
			TenantID:   dc.TenantID,
			MessageID:  dc.MessageID,
			OccurredAt: occurredAt.UTC(),
			Data:       normalise(event),
		}
		if err := dc.Publisher.Publish(ctx, bridgeEvent); err != nil {
			return fmt.Errorf("failed to forward %s: %w", kind, err)
		}

		if dc.Logger != nil {
			dc.Logger.DebugContext(ctx, "Forwarded event to bridge", "kind", kind)
		}
		return nil
	})
}

func identity[T any](event T) any { return event }

func chatMessage(event helix.ChannelChatMessageEvent) any {
	return ChatMessage{
		BroadcasterUserID: event.BroadcasterUserID,
		ChatterUserID:     event.ChatterUserID,
		Text:              event.Message.Text,
	}
}
