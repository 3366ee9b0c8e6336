package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/retry"
)

const (
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

	defaultKeepaliveGrace      = 2 * time.Second
	defaultReconnectGrace      = time.Second
	defaultMaxMissedKeepalives = 3
	bindTimeout                = 15 * time.Second
	inboxSize                  = 64
)

var errSessionRunning = errors.New("session is already running")

// ShardBinder attaches a freshly welcomed session to a conduit shard.
type ShardBinder interface {
	BindSession(ctx context.Context, sessionID string) error
}

// Notifier receives notifications and revocations read from the socket.
type Notifier interface {
	DispatchAsync(ctx context.Context, eventType string, msg domain.NotificationMessage)
	Revoked(ctx context.Context, sub domain.SubscriptionMetadata)
}

// SessionObserver is notified about connection health.
type SessionObserver interface {
	SessionStateChanged(state domain.SessionState)
	ReconnectScheduled(attempt int, delay time.Duration)
	KeepaliveMissed()
	FrameReceived(messageType domain.MessageType)
}

type SessionConfig struct {
	URL     string
	Backoff retry.Backoff

	// MaxMissedKeepalives consecutive missed windows force the connection
	// closed with CloseNetworkTimeout.
	MaxMissedKeepalives int
	// ReconnectGrace is how long the old connection stays open after
	// session_reconnect before it is closed.
	ReconnectGrace time.Duration
	// KeepaliveGrace is added to the server keepalive interval, both for the
	// check period and the silence threshold.
	KeepaliveGrace time.Duration
}

// Session is the EventSub WebSocket state machine. All state is owned by the
// Run goroutine; the exported methods talk to it over a channel.
type Session struct {
	cfg       SessionConfig
	transport Transport
	notifier  Notifier
	binder    ShardBinder
	observer  SessionObserver
	clock     clockwork.Clock

	inbox   chan any
	done    chan struct{}
	running atomic.Bool
	state   atomic.Int32
	final   atomic.Pointer[domain.Session]

	background sync.WaitGroup

	// Owned by Run.
	info           domain.Session
	conn           Connection
	gen            uint64
	dialURL        string
	attempts       int
	keepalive      clockwork.Ticker
	reconnectTimer clockwork.Timer
	graceTimer     clockwork.Timer
}

type SessionOption func(*Session)

func WithClock(c clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

func WithShardBinder(b ShardBinder) SessionOption {
	return func(s *Session) { s.binder = b }
}

func WithSessionObserver(o SessionObserver) SessionOption {
	return func(s *Session) { s.observer = o }
}

type (
	connectCmd    struct{}
	disconnectCmd struct{ done chan struct{} }
	snapshotCmd   struct{ reply chan domain.Session }
	transportMsg  struct {
		gen uint64
		ev  TransportEvent
	}
	dialFailedMsg struct {
		gen uint64
		err error
	}
)

func NewSession(cfg SessionConfig, transport Transport, notifier Notifier, opts ...SessionOption) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.MaxMissedKeepalives <= 0 {
		cfg.MaxMissedKeepalives = defaultMaxMissedKeepalives
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = defaultReconnectGrace
	}
	if cfg.KeepaliveGrace <= 0 {
		cfg.KeepaliveGrace = defaultKeepaliveGrace
	}

	s := &Session{
		cfg:       cfg,
		transport: transport,
		notifier:  notifier,
		observer:  nopObserver{},
		clock:     clockwork.NewRealClock(),
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the session until ctx is cancelled (returning nil) or the
// reconnect attempts are exhausted (returning
// domain.ErrReconnectAttemptsExhausted). It may only be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errSessionRunning
	}

	err := s.loop(ctx)

	s.teardown("shutdown")
	s.background.Wait()
	snap := s.snapshot()
	s.final.Store(&snap)
	close(s.done)

	return err
}

// Connect starts connecting. It is a no-op while connecting, connected or
// waiting to reconnect.
func (s *Session) Connect() {
	s.send(connectCmd{})
}

// Disconnect closes the connection with a normal closure and suppresses any
// pending reconnect. Before Run starts it is queued and returns at once.
func (s *Session) Disconnect() {
	cmd := disconnectCmd{done: make(chan struct{})}
	if !s.send(cmd) || !s.running.Load() {
		return
	}
	select {
	case <-cmd.done:
	case <-s.done:
	}
}

// Snapshot returns a copy of the current session state. Before Run starts
// that is the initial disconnected state.
func (s *Session) Snapshot() domain.Session {
	if !s.running.Load() {
		return domain.Session{State: s.State()}
	}
	cmd := snapshotCmd{reply: make(chan domain.Session, 1)}
	if !s.send(cmd) {
		return *s.final.Load()
	}
	select {
	case snap := <-cmd.reply:
		return snap
	case <-s.done:
		return *s.final.Load()
	}
}

// State reports the connection state without going through the loop.
func (s *Session) State() domain.SessionState {
	return domain.SessionState(s.state.Load())
}

func (s *Session) send(cmd any) bool {
	select {
	case s.inbox <- cmd:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.inbox:
			if err := s.handle(ctx, msg); err != nil {
				return err
			}
		case <-tickerC(s.keepalive):
			s.checkKeepalive()
		case <-timerC(s.reconnectTimer):
			s.reconnectTimer = nil
			s.fireReconnect(ctx)
		case <-timerC(s.graceTimer):
			s.graceTimer = nil
			s.closeForReconnect()
		}
	}
}

func (s *Session) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case connectCmd:
		s.connect(ctx)
	case disconnectCmd:
		s.teardown("client disconnect")
		s.attempts = s.cfg.Backoff.MaxAttempts + 1
		slog.Info("EventSub session disconnected")
		close(m.done)
	case snapshotCmd:
		m.reply <- s.snapshot()
	case transportMsg:
		return s.handleTransport(ctx, m)
	case dialFailedMsg:
		return s.handleDialFailure(m)
	}
	return nil
}

func (s *Session) connect(ctx context.Context) {
	switch s.info.State {
	case domain.SessionConnecting, domain.SessionConnected, domain.SessionReconnecting:
		return
	}
	s.attempts = 0
	s.setState(domain.SessionConnecting)
	s.dial(ctx, s.cfg.URL)
}

// dial opens a connection on its own goroutine. Everything it produces is
// tagged with the generation current at dial time so events from replaced
// connections can be recognised and dropped.
func (s *Session) dial(ctx context.Context, url string) {
	s.gen++
	gen := s.gen
	s.dialURL = url

	slog.Info("Connecting EventSub WebSocket", "url", url, "attempt", s.attempts)

	go func() {
		emit := func(ev TransportEvent) {
			s.post(transportMsg{gen: gen, ev: ev})
		}
		if err := s.transport.Open(ctx, url, emit); err != nil {
			s.post(dialFailedMsg{gen: gen, err: err})
		}
	}()
}

func (s *Session) post(msg any) {
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *Session) handleTransport(ctx context.Context, m transportMsg) error {
	if m.gen != s.gen {
		if m.ev.Kind == EventOpen && m.ev.Conn != nil {
			_ = m.ev.Conn.Close(CloseNormal, "superseded")
		}
		return nil
	}

	switch m.ev.Kind {
	case EventOpen:
		s.conn = m.ev.Conn
		s.attempts = 0
		slog.Debug("EventSub WebSocket open, awaiting welcome", "url", s.dialURL)
	case EventMessage:
		s.handleFrame(ctx, m.ev.Data)
	case EventClose:
		return s.handleClose(m.ev)
	}
	return nil
}

func (s *Session) handleDialFailure(m dialFailedMsg) error {
	if m.gen != s.gen {
		return nil
	}
	slog.Warn("EventSub dial failed", "url", s.dialURL, "error", m.err)

	// Reconnect URLs are single use.
	s.info.ReconnectURL = ""
	return s.scheduleReconnect()
}

func (s *Session) handleClose(ev TransportEvent) error {
	s.conn = nil
	s.stopKeepalive()
	stopTimer(&s.graceTimer)

	if s.info.State == domain.SessionDisconnected {
		return nil
	}

	decision := classifyClose(ev.Code, s.info.ReconnectURL != "")
	slog.Info("EventSub WebSocket closed",
		"code", ev.Code,
		"close_reason", closeCodeName(ev.Code),
		"reason", ev.Reason,
		"error", ev.Err,
		"reconnect", decision.reconnect)

	if !decision.reconnect {
		s.info.ID = ""
		s.info.ReconnectURL = ""
		s.setState(domain.SessionDisconnected)
		return nil
	}
	if decision.dropURL {
		s.info.ReconnectURL = ""
	}
	return s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() error {
	if s.info.State == domain.SessionReconnecting || s.reconnectTimer != nil {
		return nil
	}

	if s.cfg.Backoff.Exhausted(s.attempts) {
		s.info.ID = ""
		s.setState(domain.SessionDisconnected)
		slog.Error("EventSub reconnect attempts exhausted", "attempts", s.attempts)
		return domain.ErrReconnectAttemptsExhausted
	}

	delay := s.cfg.Backoff.Delay(s.attempts)
	s.attempts++
	s.setState(domain.SessionReconnecting)
	s.reconnectTimer = s.clock.NewTimer(delay)
	s.observer.ReconnectScheduled(s.attempts, delay)

	slog.Info("Scheduling EventSub reconnect", "attempt", s.attempts, "delay", delay)
	return nil
}

func (s *Session) fireReconnect(ctx context.Context) {
	if s.info.State != domain.SessionReconnecting {
		return
	}
	url := s.cfg.URL
	if s.info.ReconnectURL != "" {
		url = s.info.ReconnectURL
	}
	s.setState(domain.SessionConnecting)
	s.dial(ctx, url)
}

func (s *Session) closeForReconnect() {
	if s.conn == nil {
		return
	}
	slog.Info("Closing EventSub connection for reconnect", "reconnect_url", s.info.ReconnectURL)
	_ = s.conn.Close(CloseNormal, "reconnect requested")
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		slog.Warn("Ignoring malformed EventSub frame", "error", err)
		return
	}
	s.observer.FrameReceived(f.Metadata.MessageType)
	s.markAlive()

	switch f.Metadata.MessageType {
	case domain.MessageTypeWelcome:
		s.handleWelcome(ctx, f)
	case domain.MessageTypeKeepalive:
		s.handleKeepalive(f)
	case domain.MessageTypeReconnect:
		s.handleReconnect(f)
	case domain.MessageTypeNotification:
		var payload domain.NotificationPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			slog.Warn("Ignoring malformed notification", "message_id", f.Metadata.MessageID, "error", err)
			return
		}
		msg := domain.NotificationMessage{Metadata: f.Metadata, Payload: payload}
		s.notifier.DispatchAsync(ctx, msg.RoutingKey(), msg)
	case domain.MessageTypeRevocation:
		var payload domain.NotificationPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			slog.Warn("Ignoring malformed revocation", "message_id", f.Metadata.MessageID, "error", err)
			return
		}
		s.notifier.Revoked(ctx, payload.Subscription)
	default:
		slog.Debug("Ignoring unknown EventSub frame", "message_type", f.Metadata.MessageType)
	}
}

func (s *Session) handleWelcome(ctx context.Context, f frame) {
	info, err := decodeSession(f.Payload)
	if err != nil || info == nil || info.ID == "" {
		slog.Warn("Ignoring welcome without session", "error", err)
		return
	}

	interval, _ := info.keepaliveInterval()
	s.info.ID = info.ID
	s.info.ReconnectURL = info.reconnectURL()
	s.attempts = 0
	s.setState(domain.SessionConnected)
	s.startKeepalive(interval)

	slog.Info("EventSub session established", "session_id", info.ID, "keepalive_interval", interval)

	if s.binder == nil {
		return
	}
	sessionID := info.ID
	s.background.Go(func() {
		bindCtx, cancel := context.WithTimeout(ctx, bindTimeout)
		defer cancel()
		if err := s.binder.BindSession(bindCtx, sessionID); err != nil {
			slog.Error("Failed to bind session to conduit shard", "session_id", sessionID, "error", err)
			return
		}
		slog.Info("Bound session to conduit shard", "session_id", sessionID)
	})
}

func (s *Session) handleKeepalive(f frame) {
	info, err := decodeSession(f.Payload)
	if err != nil {
		return
	}
	if interval, ok := info.keepaliveInterval(); ok && interval != s.info.KeepaliveInterval {
		s.startKeepalive(interval)
	}
}

func (s *Session) handleReconnect(f frame) {
	info, err := decodeSession(f.Payload)
	url := info.reconnectURL()
	if err != nil || url == "" {
		slog.Warn("Ignoring session_reconnect without reconnect_url", "error", err)
		return
	}

	s.info.ReconnectURL = url
	if s.graceTimer == nil {
		s.graceTimer = s.clock.NewTimer(s.cfg.ReconnectGrace)
	}
	slog.Info("EventSub server requested reconnect", "reconnect_url", url, "grace", s.cfg.ReconnectGrace)
}

func (s *Session) startKeepalive(interval time.Duration) {
	s.stopKeepalive()
	s.info.KeepaliveInterval = interval
	s.info.LastKeepaliveAt = s.clock.Now()
	s.info.MissedKeepalives = 0
	if interval > 0 {
		s.keepalive = s.clock.NewTicker(interval + s.cfg.KeepaliveGrace)
	}
}

func (s *Session) stopKeepalive() {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
}

func (s *Session) markAlive() {
	s.info.LastKeepaliveAt = s.clock.Now()
	s.info.MissedKeepalives = 0
}

// checkKeepalive counts one miss per silent window. A full window of
// silence counts as a miss.
func (s *Session) checkKeepalive() {
	if s.conn == nil || s.info.KeepaliveInterval <= 0 {
		return
	}

	threshold := s.info.KeepaliveInterval + s.cfg.KeepaliveGrace
	if s.clock.Since(s.info.LastKeepaliveAt) < threshold {
		return
	}

	s.info.MissedKeepalives++
	s.observer.KeepaliveMissed()
	slog.Warn("EventSub keepalive missed", "missed", s.info.MissedKeepalives, "session_id", s.info.ID)

	if s.info.MissedKeepalives >= s.cfg.MaxMissedKeepalives {
		slog.Error("EventSub keepalive ceiling reached, closing connection", "missed", s.info.MissedKeepalives)
		s.stopKeepalive()
		_ = s.conn.Close(CloseNetworkTimeout, "keepalive timeout")
	}
}

func (s *Session) teardown(reason string) {
	s.stopKeepalive()
	stopTimer(&s.reconnectTimer)
	stopTimer(&s.graceTimer)

	s.gen++
	if s.conn != nil {
		_ = s.conn.Close(CloseNormal, reason)
		s.conn = nil
	}
	s.info.ID = ""
	s.info.ReconnectURL = ""
	s.setState(domain.SessionDisconnected)
}

func (s *Session) setState(state domain.SessionState) {
	if s.info.State == state {
		return
	}
	s.info.State = state
	s.state.Store(int32(state))
	s.observer.SessionStateChanged(state)
}

func (s *Session) snapshot() domain.Session {
	snap := s.info
	snap.ReconnectAttempts = s.attempts
	return snap
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func tickerC(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func timerC(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

type nopObserver struct{}

func (nopObserver) SessionStateChanged(domain.SessionState) {}
func (nopObserver) ReconnectScheduled(int, time.Duration) {}
func (nopObserver) KeepaliveMissed() {}
func (nopObserver) FrameReceived(domain.MessageType) {}
