package domain

import "time"

type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionReconnecting
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Session is a point-in-time view of the EventSub WebSocket session.
type Session struct {
	ID                string
	State             SessionState
	ReconnectURL      string
	KeepaliveInterval time.Duration
	LastKeepaliveAt   time.Time
	MissedKeepalives  int
	ReconnectAttempts int
}
