package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"msg_client/client/sync/domain"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig() ConnectionConfig {
	return ConnectionConfig{
		BaseBackoff:      10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}
}

func waitForState(t *testing.T, states <-chan domain.ConnState, want domain.ConnState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestConnectDeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(domain.PushEvent{Type: domain.EventDelivered, ConversationID: "c1", MessageID: "m1"})
		// Stay up until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	manager := NewConnectionManager(NewWebSocketTransport(wsURL(srv)), fastConfig())
	if err := manager.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer manager.Disconnect()

	if got := manager.State(); got != domain.ConnConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	select {
	case ev := <-manager.Events():
		if ev.Type != domain.EventDelivered || ev.MessageID != "m1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestConnectAuthFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	manager := NewConnectionManager(NewWebSocketTransport(wsURL(srv)), fastConfig())
	err := manager.Connect(context.Background(), "bad-token")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if got := manager.State(); got != domain.ConnFailed {
		t.Fatalf("state = %s, want failed", got)
	}
}

func TestReconnectAfterUnexpectedDrop(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if accepts.Add(1) == 1 {
			// Simulate an unexpected drop on the first connection.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	manager := NewConnectionManager(NewWebSocketTransport(wsURL(srv)), fastConfig())
	states := make(chan domain.ConnState, 32)
	manager.OnStateChange(func(state domain.ConnState) { states <- state })

	if err := manager.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer manager.Disconnect()

	waitForState(t, states, domain.ConnDisconnected)
	waitForState(t, states, domain.ConnConnected)
	if got := accepts.Load(); got < 2 {
		t.Fatalf("accepts = %d, want at least 2", got)
	}
}

func TestConnectWhileRunningIsNoOp(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	manager := NewConnectionManager(NewWebSocketTransport(wsURL(srv)), fastConfig())
	if err := manager.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer manager.Disconnect()

	if err := manager.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := accepts.Load(); got != 1 {
		t.Fatalf("accepts = %d, want 1 (connect while connected is a no-op)", got)
	}
}

func TestWriteCommandRequiresConnection(t *testing.T) {
	manager := NewConnectionManager(NewWebSocketTransport("ws://127.0.0.1:1/ws"), fastConfig())
	err := manager.WriteCommand(domain.Command{Type: domain.CommandJoin, ConversationID: "c1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

// gateTransport fails the first dial and holds the second one open until
// released, so a test can race Disconnect against an in-flight redial.
type gateTransport struct {
	mu      sync.Mutex
	dials   int
	started chan struct{}
	release chan struct{}
	conn    *stubConn
}

func (t *gateTransport) Dial(ctx context.Context, sessionToken string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.mu.Unlock()
	switch n {
	case 1:
		return nil, errors.New("backend unavailable")
	case 2:
		close(t.started)
		<-t.release
		return t.conn, nil
	default:
		return nil, errors.New("backend unavailable")
	}
}

type stubConn struct {
	once   sync.Once
	closed chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{closed: make(chan struct{})}
}

func (c *stubConn) ReadEvent() (domain.PushEvent, error) {
	<-c.closed
	return domain.PushEvent{}, errors.New("connection closed")
}

func (c *stubConn) WriteCommand(cmd domain.Command) error { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestDisconnectDuringRedialDiscardsConnection(t *testing.T) {
	transport := &gateTransport{
		started: make(chan struct{}),
		release: make(chan struct{}),
		conn:    newStubConn(),
	}
	manager := NewConnectionManager(transport, fastConfig())

	// The first dial fails, so Connect hands off to the background retry.
	if err := manager.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-transport.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("redial never started")
	}

	// Disconnect while the redial is in flight, then let the dial succeed.
	manager.Disconnect()
	close(transport.release)

	deadline := time.Now().Add(2 * time.Second)
	for !transport.conn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("connection from a cancelled redial was kept open")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := manager.State(); got != domain.ConnDisconnected {
		t.Fatalf("state = %s, want disconnected after cancelled redial", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	manager := NewConnectionManager(NewWebSocketTransport(wsURL(srv)), fastConfig())
	if err := manager.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	manager.Disconnect()
	manager.Disconnect()
	if got := manager.State(); got != domain.ConnDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}
