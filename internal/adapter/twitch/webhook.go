package twitch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/jonboulle/clockwork"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/eventsub"
	"github.com/streamwizard/streamwizard-backend/internal/platform/correlation"
	apperrors "github.com/streamwizard/streamwizard-backend/internal/platform/errors"
)

const maxWebhookBodySize = 1 << 20

// Webhook request outcomes reported to the WebhookObserver.
const (
	WebhookChallenge    = "challenge"
	WebhookNotification = "notification"
	WebhookDuplicate    = "duplicate"
	WebhookRevocation   = "revocation"
	WebhookIgnored      = "ignored"
	WebhookBadRequest   = "bad_request"
	WebhookForbidden    = "forbidden"
)

// WebhookDispatcher receives verified webhook messages.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, eventType string, msg domain.NotificationMessage) eventsub.Outcome
	Revoked(ctx context.Context, sub domain.SubscriptionMetadata)
}

// MessageDeduper reports whether a message id is seen for the first time.
type MessageDeduper interface {
	FirstSeen(ctx context.Context, messageID string) (bool, error)
}

type WebhookObserver interface {
	WebhookRequest(outcome string)
}

// WebhookHandler verifies and routes EventSub webhook deliveries.
type WebhookHandler struct {
	secret     []byte
	dispatcher WebhookDispatcher
	deduper    MessageDeduper
	observer   WebhookObserver
	clock      clockwork.Clock
	maxAge     time.Duration
}

type WebhookOption func(*WebhookHandler)

func WithDeduper(d MessageDeduper) WebhookOption {
	return func(h *WebhookHandler) { h.deduper = d }
}

func WithWebhookObserver(o WebhookObserver) WebhookOption {
	return func(h *WebhookHandler) { h.observer = o }
}

func WithWebhookClock(c clockwork.Clock) WebhookOption {
	return func(h *WebhookHandler) { h.clock = c }
}

// WithMaxMessageAge rejects messages whose timestamp is older than maxAge.
// Zero disables the check.
func WithMaxMessageAge(maxAge time.Duration) WebhookOption {
	return func(h *WebhookHandler) { h.maxAge = maxAge }
}

func NewWebhookHandler(secret string, dispatcher WebhookDispatcher, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		secret:     []byte(secret),
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type webhookBody struct {
	Challenge    string                      `json:"challenge"`
	Subscription domain.SubscriptionMetadata `json:"subscription"`
	Event        json.RawMessage             `json:"event"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	messageID := r.Header.Get(helix.EventSubHeaderMessageID)
	timestamp := r.Header.Get(helix.EventSubHeaderMessageTimestamp)
	signature := r.Header.Get(helix.EventSubHeaderMessageSignature)
	messageType := domain.MessageType(r.Header.Get(helix.EventSubHeaderMessageType))
	subscriptionType := r.Header.Get(helix.EventSubHeaderSubscriptionType)

	ctx := correlation.WithEvent(r.Context(), messageID, subscriptionType)

	if messageID == "" || timestamp == "" || signature == "" || messageType == "" {
		h.reject(ctx, w, WebhookBadRequest, apperrors.ValidationError("missing EventSub headers"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		h.reject(ctx, w, WebhookBadRequest, apperrors.ValidationError("unreadable request body"))
		return
	}

	if !VerifySignature(h.secret, messageID, timestamp, body, signature) {
		h.reject(ctx, w, WebhookForbidden, apperrors.ForbiddenError("invalid signature", domain.ErrInvalidSignature))
		return
	}

	sentAt, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		h.reject(ctx, w, WebhookBadRequest, apperrors.ValidationError("malformed message timestamp"))
		return
	}
	if h.maxAge > 0 && h.clock.Since(sentAt) > h.maxAge {
		h.reject(ctx, w, WebhookForbidden, apperrors.ForbiddenError("message too old", nil).WithContext("timestamp", timestamp))
		return
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		h.reject(ctx, w, WebhookBadRequest, apperrors.ValidationError("malformed payload"))
		return
	}

	switch messageType {
	case domain.MessageTypeVerification:
		slog.InfoContext(ctx, "EventSub webhook verification", "subscription_id", payload.Subscription.ID)
		h.observe(WebhookChallenge)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, payload.Challenge)

	case domain.MessageTypeNotification:
		if h.duplicate(ctx, messageID) {
			slog.DebugContext(ctx, "Skipping duplicate webhook delivery")
			h.observe(WebhookDuplicate)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		msg := domain.NotificationMessage{
			Metadata: domain.MessageMetadata{
				MessageID:           messageID,
				MessageType:         messageType,
				MessageTimestamp:    sentAt,
				SubscriptionType:    subscriptionType,
				SubscriptionVersion: r.Header.Get(helix.EventSubHeaderSubscriptionVersion),
			},
			Payload: domain.NotificationPayload{Subscription: payload.Subscription, Event: payload.Event},
		}
		h.dispatcher.Dispatch(ctx, msg.RoutingKey(), msg)
		h.observe(WebhookNotification)
		w.WriteHeader(http.StatusNoContent)

	case domain.MessageTypeRevocation:
		h.dispatcher.Revoked(ctx, payload.Subscription)
		h.observe(WebhookRevocation)
		w.WriteHeader(http.StatusNoContent)

	default:
		slog.WarnContext(ctx, "Ignoring unknown webhook message type", "message_type", messageType)
		h.observe(WebhookIgnored)
		w.WriteHeader(http.StatusNoContent)
	}
}

// duplicate treats dedupe store errors as first delivery.
func (h *WebhookHandler) duplicate(ctx context.Context, messageID string) bool {
	if h.deduper == nil {
		return false
	}
	first, err := h.deduper.FirstSeen(ctx, messageID)
	if err != nil {
		slog.WarnContext(ctx, "Webhook dedupe check failed, processing anyway", "error", err)
		return false
	}
	return !first
}

func (h *WebhookHandler) reject(ctx context.Context, w http.ResponseWriter, outcome string, err *apperrors.Error) {
	slog.WarnContext(ctx, "Rejected webhook request", "reason", err.Message, "status", err.HTTPStatus())
	h.observe(outcome)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(err.ToResponse())
}

func (h *WebhookHandler) observe(outcome string) {
	if h.observer != nil {
		h.observer.WebhookRequest(outcome)
	}
}
