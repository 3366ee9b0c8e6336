package eventsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/correlation"
)

// DispatchObserver is notified of every dispatch outcome.
type DispatchObserver interface {
	DispatchObserved(eventType string, outcome Outcome)
}

// RevocationHook is called after a revocation has been logged.
type RevocationHook func(ctx context.Context, sub domain.SubscriptionMetadata)

// Dispatcher routes notifications from either transport to the registry.
type Dispatcher struct {
	registry     *Registry
	contexts     domain.ContextFactory
	observer     DispatchObserver
	onRevocation RevocationHook

	inflight sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithDispatchObserver(o DispatchObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

func WithRevocationHook(h RevocationHook) DispatcherOption {
	return func(d *Dispatcher) { d.onRevocation = h }
}

func NewDispatcher(registry *Registry, contexts domain.ContextFactory, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		contexts: contexts,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one notification synchronously. Events without a
// tenant or without a handler are dropped before any context is built.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, msg domain.NotificationMessage) Outcome {
	ctx = correlation.WithEvent(ctx, msg.Metadata.MessageID, eventType)

	tenantID, ok := ResolveTenant(msg.Payload.Event)
	if !ok {
		slog.WarnContext(ctx, "Dropping event without tenant", "subscription_id", msg.Payload.Subscription.ID)
		return d.observe(eventType, OutcomeNoTenant)
	}

	h, ok := d.registry.lookup(eventType)
	if !ok {
		slog.InfoContext(ctx, "Dropping event without handler", "tenant_id", tenantID)
		return d.observe(eventType, OutcomeNoHandler)
	}

	dc, err := d.contexts.NewContext(ctx, tenantID, msg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build dispatch context", "tenant_id", tenantID, "error", err)
		return d.observe(eventType, OutcomeContextFailed)
	}

	return d.observe(eventType, h.invoke(ctx, msg.Payload.Event, dc))
}

// DispatchAsync runs Dispatch on its own goroutine, detached from ctx
// cancellation. Wait blocks until all such dispatches finished.
func (d *Dispatcher) DispatchAsync(ctx context.Context, eventType string, msg domain.NotificationMessage) {
	ctx = context.WithoutCancel(ctx)
	d.inflight.Go(func() {
		d.Dispatch(ctx, eventType, msg)
	})
}

// Wait blocks until in-flight asynchronous dispatches return or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Revoked records a subscription revocation. Revocations are never routed
// to handlers.
func (d *Dispatcher) Revoked(ctx context.Context, sub domain.SubscriptionMetadata) {
	slog.WarnContext(ctx, "EventSub subscription revoked",
		"subscription_id", sub.ID,
		"subscription_type", sub.Type,
		"reason", domain.RevocationReason(sub),
		"condition", sub.Condition)

	d.observe(sub.Type, OutcomeRevoked)
	if d.onRevocation != nil {
		d.onRevocation(ctx, sub)
	}
}

func (d *Dispatcher) observe(eventType string, outcome Outcome) Outcome {
	if d.observer != nil {
		d.observer.DispatchObserved(eventType, outcome)
	}
	return outcome
}
