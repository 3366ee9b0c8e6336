package eventsub

import "context"

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
)

// TransportEvent is one thing that happened on a connection.
type TransportEvent struct {
	Kind EventKind

	// Conn is set on EventOpen.
	Conn Connection
	// Data is set on EventMessage.
	Data []byte
	// Code and Reason are set on EventClose. Err carries the read error that
	// ended the connection, if any.
	Code   int
	Reason string
	Err    error
}

// Connection is an open WebSocket. Close is idempotent; the code it is
// called with is the one reported in the resulting EventClose.
type Connection interface {
	Close(code int, reason string) error
}

// Transport dials EventSub WebSocket connections.
//
// Open blocks until the dial completes. On failure it returns the error and
// emits nothing. On success it emits EventOpen before any EventMessage, and
// exactly one EventClose when the connection ends for any reason. emit must
// not be called from inside Connection.Close.
type Transport interface {
	Open(ctx context.Context, url string, emit func(TransportEvent)) error
}
