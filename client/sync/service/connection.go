package service

import (
	"context"
	"errors"
	"sync"
	"time"

	commonlog "msg_client/client/common/log"
	"msg_client/client/sync/domain"
)

const (
	defaultBaseBackoff      = 1 * time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	eventQueueSize          = 256
)

// ConnectionConfig tunes the reconnect policy. Zero values select the
// defaults (1s base doubling to a 30s cap, 10s handshake timeout).
type ConnectionConfig struct {
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// ConnectionManager owns the session's one push connection. All outbound
// commands and the inbound event stream go through it; nothing else touches
// the wire. On unexpected drops it retries with exponential backoff until
// Disconnect is called; authentication failures are fatal and never retried.
type ConnectionManager struct {
	transport Transport
	cfg       ConnectionConfig

	mu       sync.Mutex
	state    domain.ConnState
	token    string
	conn     Conn
	cancel   context.CancelFunc
	running  bool
	attempts int
	handlers []func(domain.ConnState)

	events chan domain.PushEvent
}

func NewConnectionManager(transport Transport, cfg ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		transport: transport,
		cfg:       cfg.withDefaults(),
		state:     domain.ConnDisconnected,
		events:    make(chan domain.PushEvent, eventQueueSize),
	}
}

// Events is the inbound push stream consumed by the router. The channel
// stays open across reconnects.
func (m *ConnectionManager) Events() <-chan domain.PushEvent {
	return m.events
}

func (m *ConnectionManager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts reports the retry attempt count of the current reconnect cycle.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnStateChange registers a lifecycle handler. Handlers run outside the
// manager's lock and may issue commands.
func (m *ConnectionManager) OnStateChange(handler func(domain.ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Connect dials the push connection. Calling while already connecting or
// connected is a no-op. The first handshake runs synchronously: an
// authentication rejection is returned to the caller and ends the session;
// a transient failure starts the background retry loop and returns nil.
func (m *ConnectionManager) Connect(ctx context.Context, sessionToken string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.token = sessionToken
	m.attempts = 0
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(domain.ConnConnecting)

	conn, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			m.stop(domain.ConnFailed)
			return err
		}
		commonlog.Warnf("event=connection action=connect status=retrying error=%v", err)
		go m.run(runCtx, nil)
		return nil
	}

	m.mu.Lock()
	if !m.running {
		// Disconnect raced the first dial.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.mu.Unlock()
	m.setState(domain.ConnConnected)
	go m.run(runCtx, conn)
	return nil
}

// Disconnect tears the connection down and clears retry state. Idempotent.
func (m *ConnectionManager) Disconnect() {
	m.stop(domain.ConnDisconnected)
}

// WriteCommand serializes an outbound command through the connection owner.
func (m *ConnectionManager) WriteCommand(cmd domain.Command) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if state != domain.ConnConnected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteCommand(cmd)
}

func (m *ConnectionManager) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	return m.transport.Dial(dialCtx, token)
}

// run owns the connection for the lifetime of the session: it pumps inbound
// events and, whenever the connection drops unexpectedly, walks the backoff
// schedule until redial succeeds, authentication fails, or Disconnect cancels.
func (m *ConnectionManager) run(ctx context.Context, conn Conn) {
	for {
		if conn == nil {
			redialed, ok := m.reconnect(ctx)
			if !ok {
				return
			}
			conn = redialed
		}

		m.readLoop(ctx, conn)
		_ = conn.Close()
		conn = nil
		m.clearConn()
		if ctx.Err() != nil {
			return
		}
		commonlog.Infof("event=connection action=drop status=reconnecting")
		m.setState(domain.ConnDisconnected)
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return
		}
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// reconnect walks the backoff schedule. Returns ok=false when the session
// ended (cancel or fatal auth failure).
func (m *ConnectionManager) reconnect(ctx context.Context) (Conn, bool) {
	backoff := m.cfg.BaseBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()
		m.setState(domain.ConnConnecting)

		conn, err := m.dial(ctx)
		if err == nil {
			m.mu.Lock()
			if ctx.Err() != nil || !m.running {
				// Disconnect raced the redial; the session is over and this
				// connection must not come up.
				m.mu.Unlock()
				_ = conn.Close()
				return nil, false
			}
			m.conn = conn
			m.attempts = 0
			m.mu.Unlock()
			m.setState(domain.ConnConnected)
			return conn, true
		}
		if errors.Is(err, ErrAuthentication) {
			commonlog.Errorf("event=connection action=reconnect status=fatal attempt=%d error=%v", attempt, err)
			m.stop(domain.ConnFailed)
			return nil, false
		}
		commonlog.Warnf("event=connection action=reconnect status=failed attempt=%d backoff=%s error=%v", attempt, backoff, err)
		m.setState(domain.ConnDisconnected)

		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}
}

func (m *ConnectionManager) clearConn() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

func (m *ConnectionManager) stop(final domain.ConnState) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
	m.attempts = 0
	m.mu.Unlock()
	m.setState(final)
}

func (m *ConnectionManager) setState(next domain.ConnState) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	handlers := append([]func(domain.ConnState){}, m.handlers...)
	m.mu.Unlock()
	for _, handler := range handlers {
		handler(next)
	}
}
