package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamwizard/streamwizard-backend/internal/eventsub"
)

const (
	handshakeTimeout = 10 * time.Second
	writeDeadline    = 5 * time.Second
	maxMessageSize   = 1 << 20
)

// Transport dials EventSub sockets with gorilla/websocket. It only ever
// reads; EventSub closes connections that send data frames.
type Transport struct {
	dialer *websocket.Dialer
}

func NewTransport() *Transport {
	return &Transport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (t *Transport) Open(ctx context.Context, url string, emit func(eventsub.TransportEvent)) error {
	conn, resp, err := t.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &connection{conn: conn, emit: emit}
	emit(eventsub.TransportEvent{Kind: eventsub.EventOpen, Conn: c})
	go c.readLoop()
	return nil
}

type closeRequest struct {
	code   int
	reason string
}

type connection struct {
	conn *websocket.Conn
	emit func(eventsub.TransportEvent)

	closeOnce sync.Once
	local     atomic.Pointer[closeRequest]
}

// Close sends a normal close frame and tears the socket down. The read loop
// then reports code, which may be one of the EventSub private codes used
// for local decisions (such as a keepalive timeout).
func (c *connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.local.Store(&closeRequest{code: code, reason: reason})
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		err = c.conn.Close()
	})
	return err
}

func (c *connection) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.emit(eventsub.TransportEvent{Kind: eventsub.EventMessage, Data: data})
	}
}

func (c *connection) finish(readErr error) {
	_ = c.conn.Close()

	if local := c.local.Load(); local != nil {
		c.emit(eventsub.TransportEvent{Kind: eventsub.EventClose, Code: local.code, Reason: local.reason})
		return
	}

	if closeErr, ok := errors.AsType[*websocket.CloseError](readErr); ok {
		c.emit(eventsub.TransportEvent{Kind: eventsub.EventClose, Code: closeErr.Code, Reason: closeErr.Text})
		return
	}

	c.emit(eventsub.TransportEvent{
		Kind: eventsub.EventClose,
		Code: websocket.CloseAbnormalClosure,
		Err:  readErr,
	})
}
