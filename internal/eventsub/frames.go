package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

type frame struct {
	Metadata domain.MessageMetadata `json:"metadata"`
	Payload  json.RawMessage        `json:"payload"`
}

type sessionInfo struct {
	ID                      string     `json:"id"`
	Status                  string     `json:"status"`
	KeepaliveTimeoutSeconds *int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            *string    `json:"reconnect_url"`
	ConnectedAt             *time.Time `json:"connected_at"`
}

type sessionPayload struct {
	Session *sessionInfo `json:"session"`
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Metadata.MessageType == "" {
		return frame{}, fmt.Errorf("frame has no message_type")
	}
	return f, nil
}

// decodeSession returns the session block of welcome, reconnect and
// keepalive payloads. Keepalive payloads are usually empty, giving nil.
func decodeSession(payload json.RawMessage) (*sessionInfo, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return p.Session, nil
}

func (s *sessionInfo) keepaliveInterval() (time.Duration, bool) {
	if s == nil || s.KeepaliveTimeoutSeconds == nil {
		return 0, false
	}
	return time.Duration(*s.KeepaliveTimeoutSeconds) * time.Second, true
}

func (s *sessionInfo) reconnectURL() string {
	if s == nil || s.ReconnectURL == nil {
		return ""
	}
	return *s.ReconnectURL
}
