package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/eventsub"
)

var sessionStates = []domain.SessionState{
	domain.SessionDisconnected,
	domain.SessionConnecting,
	domain.SessionConnected,
	domain.SessionReconnecting,
}

// SessionMetrics implements eventsub.SessionObserver.
type SessionMetrics struct {
	State            *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	ReconnectDelay   prometheus.Histogram
	KeepalivesMissed prometheus.Counter
	Frames           *prometheus.CounterVec
}

var _ eventsub.SessionObserver = (*SessionMetrics)(nil)

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventsub_session",
			Name:      "state",
			Help:      "1 for the current WebSocket session state, 0 for the others.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub_session",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled.",
		}),
		ReconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "eventsub_session",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		KeepalivesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub_session",
			Name:      "keepalives_missed_total",
			Help:      "Keepalive windows that passed without any frame.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub_session",
			Name:      "frames_total",
			Help:      "Frames received on the WebSocket session by message type.",
		}, []string{"message_type"}),
	}

	reg.MustRegister(m.State, m.Reconnects, m.ReconnectDelay, m.KeepalivesMissed, m.Frames)
	m.SessionStateChanged(domain.SessionDisconnected)
	return m
}

func (m *SessionMetrics) SessionStateChanged(state domain.SessionState) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s.String()).Set(v)
	}
}

func (m *SessionMetrics) ReconnectScheduled(_ int, delay time.Duration) {
	m.Reconnects.Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

func (m *SessionMetrics) KeepaliveMissed() {
	m.KeepalivesMissed.Inc()
}

func (m *SessionMetrics) FrameReceived(messageType domain.MessageType) {
	m.Frames.WithLabelValues(string(messageType)).Inc()
}

// DispatchMetrics implements eventsub.DispatchObserver.
type DispatchMetrics struct {
	Events *prometheus.CounterVec
}

var _ eventsub.DispatchObserver = (*DispatchMetrics)(nil)

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "events_total",
			Help:      "Notifications and revocations by event type and dispatch outcome.",
		}, []string{"event_type", "outcome"}),
	}
	reg.MustRegister(m.Events)
	return m
}

func (m *DispatchMetrics) DispatchObserved(eventType string, outcome eventsub.Outcome) {
	m.Events.WithLabelValues(eventType, string(outcome)).Inc()
}

type WebhookMetrics struct {
	Requests *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub_webhook",
			Name:      "requests_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Requests)
	return m
}

func (m *WebhookMetrics) WebhookRequest(outcome string) {
	m.Requests.WithLabelValues(outcome).Inc()
}
