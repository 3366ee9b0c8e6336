package eventsub

import "strconv"

// WebSocket close codes used by EventSub.
const (
	CloseNormal                = 1000
	CloseAbnormal              = 1006
	CloseInternalServerError   = 4000
	CloseClientSentTraffic     = 4001
	CloseFailedPingPong        = 4002
	CloseConnectionUnused      = 4003
	CloseReconnectGraceExpired = 4004
	CloseNetworkTimeout        = 4005
	CloseNetworkError          = 4006
	CloseInvalidReconnect      = 4007
)

type closeDecision struct {
	reconnect bool
	dropURL   bool
}

// classifyClose decides what a closed connection leads to. A normal close
// only reconnects when the server handed out a reconnect URL; 4001 is a
// protocol violation on our side and is never retried.
func classifyClose(code int, hasReconnectURL bool) closeDecision {
	switch code {
	case CloseNormal:
		return closeDecision{reconnect: hasReconnectURL}
	case CloseClientSentTraffic:
		return closeDecision{}
	case CloseConnectionUnused, CloseInvalidReconnect:
		return closeDecision{reconnect: true, dropURL: true}
	default:
		return closeDecision{reconnect: true}
	}
}

func closeCodeName(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseAbnormal:
		return "abnormal"
	case CloseInternalServerError:
		return "internal_server_error"
	case CloseClientSentTraffic:
		return "client_sent_inbound_traffic"
	case CloseFailedPingPong:
		return "failed_ping_pong"
	case CloseConnectionUnused:
		return "connection_unused"
	case CloseReconnectGraceExpired:
		return "reconnect_grace_time_expired"
	case CloseNetworkTimeout:
		return "network_timeout"
	case CloseNetworkError:
		return "network_error"
	case CloseInvalidReconnect:
		return "invalid_reconnect"
	default:
		return "code_" + strconv.Itoa(code)
	}
}
