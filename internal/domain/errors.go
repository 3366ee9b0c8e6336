package domain

import "errors"

var (
	ErrDuplicateHandler           = errors.New("handler already registered for event type")
	ErrNoHandler                  = errors.New("no handler registered for event type")
	ErrTenantNotResolved          = errors.New("event carries no tenant identifier")
	ErrReconnectAttemptsExhausted = errors.New("max reconnect attempts exceeded")
	ErrCredentialNotFound         = errors.New("tenant credential not found")
	ErrInvalidSignature           = errors.New("invalid webhook signature")
)
