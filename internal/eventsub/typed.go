package eventsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// Typed adapts a handler taking a decoded event of type T.
func Typed[T any](fn func(ctx context.Context, event T, dc *domain.DispatchContext) error) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, dc *domain.DispatchContext) error {
		var event T
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return fn(ctx, event, dc)
	}
}

type validatable interface {
	Validate() error
}

// ValidateJSON decodes the payload into T and, when T (or *T) has a
// Validate() error method, runs it.
func ValidateJSON[T any]() Validator {
	return func(raw json.RawMessage) error {
		var event T
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("malformed event payload: %w", err)
		}

		if v, ok := any(event).(validatable); ok {
			return v.Validate()
		}
		if v, ok := any(&event).(validatable); ok {
			return v.Validate()
		}
		return nil
	}
}

// RequireFields rejects payloads that lack any of the given top-level fields
// or carry them as empty strings or null.
func RequireFields(fields ...string) Validator {
	return func(raw json.RawMessage) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("event payload is not an object: %w", err)
		}

		for _, f := range fields {
			v, ok := obj[f]
			if !ok || string(v) == "null" || string(v) == `""` {
				return fmt.Errorf("missing required field %q", f)
			}
		}
		return nil
	}
}
