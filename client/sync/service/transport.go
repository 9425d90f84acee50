package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"msg_client/client/sync/domain"
)

// Conn is one established push connection. ReadEvent blocks until an event
// arrives or the connection drops; WriteCommand is safe for concurrent use.
type Conn interface {
	ReadEvent() (domain.PushEvent, error)
	WriteCommand(cmd domain.Command) error
	Close() error
}

// Transport dials push connections. The wire technology is a collaborator
// decision; the engine only sees the event/command contract.
type Transport interface {
	Dial(ctx context.Context, sessionToken string) (Conn, error)
}

const connWriteTimeout = 5 * time.Second

// WebSocketTransport authenticates with a bearer session token during the
// upgrade handshake.
type WebSocketTransport struct {
	URL    string
	dialer *websocket.Dialer
}

func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) Dial(ctx context.Context, sessionToken string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken)
	conn, resp, err := t.dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", ErrAuthentication, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push connection: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ReadEvent() (domain.PushEvent, error) {
	var ev domain.PushEvent
	if err := c.conn.ReadJSON(&ev); err != nil {
		return domain.PushEvent{}, err
	}
	return ev, nil
}

func (c *wsConn) WriteCommand(cmd domain.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	return c.conn.WriteJSON(cmd)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
