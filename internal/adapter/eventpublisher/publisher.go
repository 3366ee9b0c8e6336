// Package eventpublisher fans bridge events out to several sinks.
package eventpublisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// Sink is a named bridge event destination.
type Sink struct {
	Name      string
	Publisher domain.EventPublisher
}

// EventPublisher implements domain.EventPublisher over one primary sink and
// any number of best-effort sinks. Only a primary failure fails the handler.
type EventPublisher struct {
	primary    Sink
	bestEffort []Sink
}

var _ domain.EventPublisher = (*EventPublisher)(nil)

func New(primary Sink, bestEffort ...Sink) *EventPublisher {
	return &EventPublisher{primary: primary, bestEffort: bestEffort}
}

func (ep *EventPublisher) Publish(ctx context.Context, event domain.BridgeEvent) error {
	if err := ep.primary.Publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish to %s: %w", ep.primary.Name, err)
	}

	for _, sink := range ep.bestEffort {
		if err := sink.Publisher.Publish(ctx, event); err != nil {
			slog.WarnContext(ctx, "Failed to publish bridge event", "sink", sink.Name, "tenant_id", event.TenantID, "type", event.Type, "error", err)
		}
	}
	return nil
}
