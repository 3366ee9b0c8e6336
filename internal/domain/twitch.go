package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeWelcome      MessageType = "session_welcome"
	MessageTypeKeepalive    MessageType = "session_keepalive"
	MessageTypeReconnect    MessageType = "session_reconnect"
	MessageTypeNotification MessageType = "notification"
	MessageTypeRevocation   MessageType = "revocation"
	MessageTypeVerification MessageType = "webhook_callback_verification"
)

// MessageMetadata is the envelope metadata of a WebSocket frame. Webhook
// requests carry the same fields as headers.
type MessageMetadata struct {
	MessageID           string      `json:"message_id"`
	MessageType         MessageType `json:"message_type"`
	MessageTimestamp    time.Time   `json:"message_timestamp"`
	SubscriptionType    string      `json:"subscription_type,omitempty"`
	SubscriptionVersion string      `json:"subscription_version,omitempty"`
}

type SubscriptionTransport struct {
	Method    string `json:"method"`
	Callback  string `json:"callback,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ConduitID string `json:"conduit_id,omitempty"`
}

// SubscriptionMetadata describes the subscription a notification or
// revocation was delivered for. Immutable once received.
type SubscriptionMetadata struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Status    string                `json:"status"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
	Cost      int                   `json:"cost"`
	CreatedAt time.Time             `json:"created_at"`
}

type NotificationPayload struct {
	Subscription SubscriptionMetadata `json:"subscription"`
	Event        json.RawMessage      `json:"event,omitempty"`
}

// NotificationMessage lives for the duration of one dispatch.
type NotificationMessage struct {
	Metadata MessageMetadata     `json:"metadata"`
	Payload  NotificationPayload `json:"payload"`
}

// RoutingKey returns the event type used to select a handler.
func (m NotificationMessage) RoutingKey() string {
	if m.Metadata.SubscriptionType != "" {
		return m.Metadata.SubscriptionType
	}
	return m.Payload.Subscription.Type
}

// Revocation reasons reported in SubscriptionMetadata.Status.
const (
	RevocationUserRemoved          = "user_removed"
	RevocationAuthorizationRevoked = "authorization_revoked"
	RevocationVersionRemoved       = "version_removed"
	RevocationFailuresExceeded     = "notification_failures_exceeded"
	RevocationUnknown              = "unknown"
)

// RevocationReason maps a subscription status to a known revocation reason.
func RevocationReason(sub SubscriptionMetadata) string {
	switch sub.Status {
	case RevocationUserRemoved, RevocationAuthorizationRevoked, RevocationVersionRemoved, RevocationFailuresExceeded:
		return sub.Status
	default:
		return RevocationUnknown
	}
}
