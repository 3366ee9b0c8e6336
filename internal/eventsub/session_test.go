package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/platform/retry"
)

const (
	testURL      = "wss://eventsub.test/ws"
	testRecovery = "wss://eventsub.test/reconnect"
)

type fakeConn struct {
	emit   func(TransportEvent)
	once   sync.Once
	closed chan int
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.closed <- code
		go c.emit(TransportEvent{Kind: EventClose, Code: code, Reason: reason})
	})
	return nil
}

func (c *fakeConn) send(frame string) {
	c.emit(TransportEvent{Kind: EventMessage, Data: []byte(frame)})
}

type fakeTransport struct {
	mu    sync.Mutex
	urls  []string
	fail  bool
	conns chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Open(_ context.Context, url string, emit func(TransportEvent)) error {
	t.mu.Lock()
	t.urls = append(t.urls, url)
	fail := t.fail
	t.mu.Unlock()

	if fail {
		return errors.New("dial refused")
	}

	c := &fakeConn{emit: emit, closed: make(chan int, 1)}
	emit(TransportEvent{Kind: EventOpen, Conn: c})
	t.conns <- c
	return nil
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *fakeTransport) dialed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.urls...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	keys     []string
	messages []domain.NotificationMessage
	revoked  []domain.SubscriptionMetadata
}

func (n *recordingNotifier) DispatchAsync(_ context.Context, eventType string, msg domain.NotificationMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, eventType)
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) Revoked(_ context.Context, sub domain.SubscriptionMetadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked = append(n.revoked, sub)
}

func (n *recordingNotifier) dispatchedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.keys...)
}

func (n *recordingNotifier) revocations() []domain.SubscriptionMetadata {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.SubscriptionMetadata(nil), n.revoked...)
}

type recordingBinder struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (b *recordingBinder) BindSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, sessionID)
	return b.err
}

func (b *recordingBinder) bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ids...)
}

// verifyNoLeaks checks for leaked goroutines after every other cleanup,
// including the session shutdown registered by startSession, has run.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
}

type sessionHarness struct {
	session   *Session
	clock     *clockwork.FakeClock
	transport *fakeTransport
	notifier  *recordingNotifier
	binder    *recordingBinder
	ctx       context.Context

	result chan error
	once   sync.Once
	runErr error
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		URL: testURL,
		Backoff: retry.Backoff{
			Base:        time.Second,
			Cap:         time.Second,
			MaxAttempts: 3,
		},
		MaxMissedKeepalives: 2,
		ReconnectGrace:      time.Second,
	}
}

func startSession(t *testing.T, cfg SessionConfig) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		clock:     clockwork.NewFakeClock(),
		transport: newFakeTransport(),
		notifier:  &recordingNotifier{},
		binder:    &recordingBinder{},
		result:    make(chan error, 1),
	}
	h.session = NewSession(cfg, h.transport, h.notifier, WithClock(h.clock), WithShardBinder(h.binder))

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	go func() { h.result <- h.session.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = h.wait(t)
	})
	return h
}

// wait returns the error Run exited with.
func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	h.once.Do(func() {
		select {
		case h.runErr = <-h.result:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h.runErr
}

func (h *sessionHarness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.transport.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func (h *sessionHarness) connectWelcomed(t *testing.T, sessionID string, keepalive int, reconnectURL string) *fakeConn {
	t.Helper()
	h.session.Connect()
	conn := h.nextConn(t)
	conn.send(welcomeFrame(sessionID, keepalive, reconnectURL))
	h.waitState(t, domain.SessionConnected)
	return conn
}

func (h *sessionHarness) waitState(t *testing.T, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session.Snapshot().State == want
	}, time.Second, time.Millisecond, "state never became %s", want)
}

func (h *sessionHarness) blockUntil(t *testing.T, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, waiters))
}

func waitClosed(t *testing.T, c *fakeConn) int {
	t.Helper()
	select {
	case code := <-c.closed:
		return code
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
		return 0
	}
}

func welcomeFrame(sessionID string, keepalive int, reconnectURL string) string {
	url := "null"
	if reconnectURL != "" {
		url = fmt.Sprintf("%q", reconnectURL)
	}
	return fmt.Sprintf(`{
		"metadata": {"message_id": "m-%s", "message_type": "session_welcome", "message_timestamp": "2024-01-01T00:00:00Z"},
		"payload": {"session": {"id": %q, "status": "connected", "keepalive_timeout_seconds": %d, "reconnect_url": %s, "connected_at": "2024-01-01T00:00:00Z"}}
	}`, sessionID, sessionID, keepalive, url)
}

func reconnectFrame(url string) string {
	return fmt.Sprintf(`{
		"metadata": {"message_id": "r1", "message_type": "session_reconnect", "message_timestamp": "2024-01-01T00:00:00Z"},
		"payload": {"session": {"id": "s1", "status": "reconnecting", "keepalive_timeout_seconds": null, "reconnect_url": %q}}
	}`, url)
}

const keepaliveFrame = `{
	"metadata": {"message_id": "k1", "message_type": "session_keepalive", "message_timestamp": "2024-01-01T00:00:00Z"},
	"payload": {}
}`

const followFrame = `{
	"metadata": {"message_id": "n1", "message_type": "notification", "message_timestamp": "2024-01-01T00:00:00Z", "subscription_type": "channel.follow", "subscription_version": "2"},
	"payload": {
		"subscription": {"id": "sub-1", "type": "channel.follow", "version": "2", "status": "enabled", "condition": {"broadcaster_user_id": "42"}},
		"event": {"user_id": "7", "broadcaster_user_id": "42"}
	}
}`

const revocationFrame = `{
	"metadata": {"message_id": "v1", "message_type": "revocation", "message_timestamp": "2024-01-01T00:00:00Z", "subscription_type": "channel.follow", "subscription_version": "2"},
	"payload": {
		"subscription": {"id": "sub-1", "type": "channel.follow", "version": "2", "status": "authorization_revoked", "condition": {"broadcaster_user_id": "42"}}
	}
}`

func TestSession_WelcomeEstablishesSession(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	h.connectWelcomed(t, "s1", 10, "")

	snap := h.session.Snapshot()
	assert.Equal(t, "s1", snap.ID)
	assert.Equal(t, 10*time.Second, snap.KeepaliveInterval)
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.Empty(t, snap.ReconnectURL)
	assert.Equal(t, []string{testURL}, h.transport.dialed())

	require.Eventually(t, func() bool {
		return len(h.binder.bound()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"s1"}, h.binder.bound())
}

func TestSession_ConnectIsNoOpWhileActive(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	h.session.Connect()
	h.session.Connect()
	conn := h.nextConn(t)

	conn.send(welcomeFrame("s1", 10, ""))
	h.waitState(t, domain.SessionConnected)
	h.session.Connect()

	// Snapshot is served by the loop after the Connect above.
	_ = h.session.Snapshot()
	assert.Len(t, h.transport.dialed(), 1)
}

func TestSession_BindFailureIsNotFatal(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	h.binder.err = errors.New("helix unavailable")
	conn := h.connectWelcomed(t, "s1", 10, "")

	require.Eventually(t, func() bool {
		return len(h.binder.bound()) == 1
	}, time.Second, time.Millisecond)

	conn.send(followFrame)
	require.Eventually(t, func() bool {
		return len(h.notifier.dispatchedKeys()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, domain.SessionConnected, h.session.State())
}

func TestSession_NotificationIsDispatchedByRoutingKey(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	conn := h.connectWelcomed(t, "s1", 10, "")

	conn.send("not json")
	conn.send(`{"metadata": {}, "payload": {}}`)
	conn.send(followFrame)

	require.Eventually(t, func() bool {
		return len(h.notifier.dispatchedKeys()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"channel.follow"}, h.notifier.dispatchedKeys())

	h.notifier.mu.Lock()
	msg := h.notifier.messages[0]
	h.notifier.mu.Unlock()
	assert.Equal(t, "n1", msg.Metadata.MessageID)
	assert.Equal(t, "sub-1", msg.Payload.Subscription.ID)
	assert.JSONEq(t, `{"user_id": "7", "broadcaster_user_id": "42"}`, string(msg.Payload.Event))
	assert.Equal(t, domain.SessionConnected, h.session.State())
}

func TestSession_RevocationIsReported(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	conn := h.connectWelcomed(t, "s1", 10, "")

	conn.send(revocationFrame)

	require.Eventually(t, func() bool {
		return len(h.notifier.revocations()) == 1
	}, time.Second, time.Millisecond)
	sub := h.notifier.revocations()[0]
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, domain.RevocationAuthorizationRevoked, domain.RevocationReason(sub))
	assert.Empty(t, h.notifier.dispatchedKeys())
}

func TestSession_KeepaliveMissCountsOncePerWindow(t *testing.T) {
	verifyNoLeaks(t)

	cfg := testSessionConfig()
	cfg.MaxMissedKeepalives = 5
	h := startSession(t, cfg)
	conn := h.connectWelcomed(t, "s1", 10, "")
	h.blockUntil(t, 1)

	h.clock.Advance(12 * time.Second)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().MissedKeepalives == 1
	}, time.Second, time.Millisecond)

	h.clock.Advance(12 * time.Second)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().MissedKeepalives == 2
	}, time.Second, time.Millisecond)

	conn.send(keepaliveFrame)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().MissedKeepalives == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, domain.SessionConnected, h.session.State())
}

func TestSession_KeepaliveCeilingForcesReconnect(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	conn := h.connectWelcomed(t, "s1", 10, "")
	h.blockUntil(t, 1)

	h.clock.Advance(12 * time.Second)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().MissedKeepalives == 1
	}, time.Second, time.Millisecond)
	h.clock.Advance(12 * time.Second)
	assert.Equal(t, CloseNetworkTimeout, waitClosed(t, conn))

	// The local close is handled like a server-side 4005.
	h.waitState(t, domain.SessionReconnecting)
	h.clock.Advance(time.Second)

	next := h.nextConn(t)
	next.send(welcomeFrame("s2", 10, ""))
	h.waitState(t, domain.SessionConnected)

	assert.Equal(t, []string{testURL, testURL}, h.transport.dialed())
	assert.Equal(t, "s2", h.session.Snapshot().ID)
	assert.Equal(t, 0, h.session.Snapshot().ReconnectAttempts)
}

func TestSession_ReconnectAttemptsExhausted(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	h.transport.setFail(true)
	h.session.Connect()

	for range 3 {
		h.blockUntil(t, 1)
		h.clock.Advance(time.Second)
	}

	err := h.wait(t)
	require.ErrorIs(t, err, domain.ErrReconnectAttemptsExhausted)
	assert.Len(t, h.transport.dialed(), 4)
	assert.Equal(t, domain.SessionDisconnected, h.session.State())
	assert.Equal(t, domain.SessionDisconnected, h.session.Snapshot().State)
}

func TestSession_ServerReconnectUsesReconnectURL(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	conn := h.connectWelcomed(t, "s1", 10, "")
	h.blockUntil(t, 1)

	conn.send(reconnectFrame(testRecovery))
	h.blockUntil(t, 2)
	h.clock.Advance(time.Second)
	assert.Equal(t, CloseNormal, waitClosed(t, conn))

	h.waitState(t, domain.SessionReconnecting)
	h.clock.Advance(time.Second)

	next := h.nextConn(t)
	next.send(welcomeFrame("s2", 10, ""))
	h.waitState(t, domain.SessionConnected)

	assert.Equal(t, []string{testURL, testRecovery}, h.transport.dialed())
	snap := h.session.Snapshot()
	assert.Equal(t, "s2", snap.ID)
	assert.Empty(t, snap.ReconnectURL)

	require.Eventually(t, func() bool {
		return len(h.binder.bound()) == 2
	}, time.Second, time.Millisecond)
}

func TestSession_CloseCodeSelectsReconnectTarget(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantURL string
	}{
		{"internal error keeps reconnect url", CloseInternalServerError, testRecovery},
		{"network error keeps reconnect url", CloseNetworkError, testRecovery},
		{"normal closure uses reconnect url", CloseNormal, testRecovery},
		{"connection unused drops reconnect url", CloseConnectionUnused, testURL},
		{"invalid reconnect drops reconnect url", CloseInvalidReconnect, testURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifyNoLeaks(t)

			h := startSession(t, testSessionConfig())
			conn := h.connectWelcomed(t, "s1", 10, testRecovery)
			h.blockUntil(t, 1)

			require.NoError(t, conn.Close(tt.code, "server"))
			waitClosed(t, conn)

			h.waitState(t, domain.SessionReconnecting)
			h.clock.Advance(time.Second)
			h.nextConn(t)

			assert.Equal(t, []string{testURL, tt.wantURL}, h.transport.dialed())
		})
	}
}

func TestSession_CloseWithoutReconnect(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		reconnectURL string
	}{
		{"client sent inbound traffic", CloseClientSentTraffic, testRecovery},
		{"normal closure without reconnect url", CloseNormal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifyNoLeaks(t)

			h := startSession(t, testSessionConfig())
			conn := h.connectWelcomed(t, "s1", 10, tt.reconnectURL)

			require.NoError(t, conn.Close(tt.code, "server"))
			h.waitState(t, domain.SessionDisconnected)

			h.clock.Advance(time.Minute)
			_ = h.session.Snapshot()
			assert.Len(t, h.transport.dialed(), 1)
			assert.Empty(t, h.session.Snapshot().ID)
		})
	}
}

func TestSession_DisconnectSuppressesReconnect(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	conn := h.connectWelcomed(t, "s1", 10, "")

	h.session.Disconnect()
	assert.Equal(t, CloseNormal, waitClosed(t, conn))
	assert.Equal(t, domain.SessionDisconnected, h.session.State())

	h.clock.Advance(time.Minute)
	snap := h.session.Snapshot()
	assert.Equal(t, domain.SessionDisconnected, snap.State)
	assert.Greater(t, snap.ReconnectAttempts, 3)
	assert.Len(t, h.transport.dialed(), 1)
}

func TestSession_DisconnectCancelsPendingReconnect(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	h.transport.setFail(true)
	h.session.Connect()

	h.blockUntil(t, 1)
	h.session.Disconnect()
	h.clock.Advance(time.Minute)

	_ = h.session.Snapshot()
	assert.Len(t, h.transport.dialed(), 1)
	assert.Equal(t, domain.SessionDisconnected, h.session.State())
}

func TestSession_ConnectAfterDisconnect(t *testing.T) {
	verifyNoLeaks(t)

	h := startSession(t, testSessionConfig())
	conn := h.connectWelcomed(t, "s1", 10, "")
	h.session.Disconnect()
	waitClosed(t, conn)

	h.connectWelcomed(t, "s2", 10, "")
	assert.Equal(t, 0, h.session.Snapshot().ReconnectAttempts)
	assert.Len(t, h.transport.dialed(), 2)
}

func TestSession_RunReturnsNilOnCancel(t *testing.T) {
	verifyNoLeaks(t)

	s := NewSession(testSessionConfig(), newFakeTransport(), &recordingNotifier{}, WithClock(clockwork.NewFakeClock()))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, domain.SessionDisconnected, s.Snapshot().State)
	require.ErrorIs(t, s.Run(context.Background()), errSessionRunning)
}

func TestSession_CommandsBeforeRunDoNotBlock(t *testing.T) {
	verifyNoLeaks(t)

	transport := newFakeTransport()
	s := NewSession(testSessionConfig(), transport, &recordingNotifier{}, WithClock(clockwork.NewFakeClock()))

	returned := make(chan domain.Session, 1)
	go func() {
		s.Connect()
		s.Disconnect()
		returned <- s.Snapshot()
	}()

	select {
	case snap := <-returned:
		assert.Equal(t, domain.SessionDisconnected, snap.State)
		assert.Empty(t, snap.ID)
	case <-time.After(time.Second):
		t.Fatal("commands issued before Run blocked")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	// The queued Disconnect runs after the queued Connect and wins.
	require.Eventually(t, func() bool { return len(transport.dialed()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return s.Snapshot().State == domain.SessionDisconnected
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}
