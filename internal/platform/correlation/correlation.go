package correlation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey struct{}

type eventKey struct{}

type event struct {
	messageID string
	eventType string
}

// NewID generates an 8-character correlation ID for work that does not carry
// an EventSub message id (startup tasks, timers).
func NewID() string {
	return uuid.NewString()[:8]
}

// WithID returns a new context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID extracts the correlation ID from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// WithEvent tags ctx with the EventSub message being processed. The message
// id doubles as the correlation ID so webhook retries of the same message
// share it.
func WithEvent(ctx context.Context, messageID, eventType string) context.Context {
	ctx = context.WithValue(ctx, eventKey{}, event{messageID: messageID, eventType: eventType})
	if messageID != "" {
		ctx = WithID(ctx, messageID)
	}
	return ctx
}

// Event returns the message id and event type stored by WithEvent.
func Event(ctx context.Context) (messageID, eventType string, ok bool) {
	e, ok := ctx.Value(eventKey{}).(event)
	return e.messageID, e.eventType, ok
}

// Handler wraps an existing slog.Handler and adds correlation_id, message_id
// and event_type attributes when the context carries them.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if e, ok := ctx.Value(eventKey{}).(event); ok {
		if e.messageID != "" {
			r.AddAttrs(slog.String("message_id", e.messageID))
		}
		if e.eventType != "" {
			r.AddAttrs(slog.String("event_type", e.eventType))
		}
	} else if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}

	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
