package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// HandlerFunc handles one validated event payload.
type HandlerFunc func(ctx context.Context, event json.RawMessage, dc *domain.DispatchContext) error

// Validator checks a raw event payload before the handler runs.
type Validator func(event json.RawMessage) error

type Registration struct {
	EventType string
	Handler   HandlerFunc
	Validator Validator
}

type Outcome string

const (
	OutcomeHandled       Outcome = "handled"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeHandlerFailed Outcome = "handler_failed"
	OutcomeNoTenant      Outcome = "no_tenant"
	OutcomeNoHandler     Outcome = "no_handler"
	OutcomeContextFailed Outcome = "context_failed"
	OutcomeRevoked       Outcome = "revoked"
)

// Registry maps an event type to exactly one handler. It is filled at start-up
// and read concurrently by dispatches afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*entry
}

type entry struct {
	eventType string
	validate  Validator
	handle    HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*entry)}
}

// Register stores handler for eventType. A second registration for the same
// event type fails with domain.ErrDuplicateHandler.
func (r *Registry) Register(eventType string, handler HandlerFunc, validator Validator) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %q is nil", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateHandler, eventType)
	}
	r.handlers[eventType] = &entry{eventType: eventType, validate: validator, handle: handler}
	return nil
}

// RegisterAll registers every registration, stopping at the first error.
func (r *Registry) RegisterAll(regs ...Registration) error {
	for _, reg := range regs {
		if err := r.Register(reg.EventType, reg.Handler, reg.Validator); err != nil {
			return err
		}
	}
	return nil
}

// EventTypes returns the registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (r *Registry) lookup(eventType string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[eventType]
	return e, ok
}

// invoke runs validation and the handler. Errors and panics are logged and
// reported as an Outcome; nothing propagates to the caller.
func (e *entry) invoke(ctx context.Context, event json.RawMessage, dc *domain.DispatchContext) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "Event handler panicked", "tenant_id", dc.TenantID, "panic", rec)
			outcome = OutcomeHandlerFailed
		}
	}()

	if e.validate != nil {
		if err := e.validate(event); err != nil {
			slog.WarnContext(ctx, "Event failed validation, dropping", "tenant_id", dc.TenantID, "error", err)
			return OutcomeInvalid
		}
	}

	if err := e.handle(ctx, event, dc); err != nil {
		slog.ErrorContext(ctx, "Event handler failed", "tenant_id", dc.TenantID, "error", err)
		return OutcomeHandlerFailed
	}

	return OutcomeHandled
}
