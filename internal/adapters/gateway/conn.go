// Package gateway drives the external audio-conferencing gateway over its
// websocket control protocol: one shared control connection, sessions,
// plugin handles and room administration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/config"
	"github.com/dkeye/intercom/internal/core"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Clock is injectable so reconnect timing is testable.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// transport is the raw control socket. Abstracted so Manager's retry loop
// can be driven by a fake in tests.
type transport interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error { return t.conn.WriteJSON(v) }
func (t *wsTransport) Close() error          { return t.conn.Close() }

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func dialWS(ctx context.Context, url string) (transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"janus-protocol"},
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

const keepaliveInterval = 30 * time.Second

// Manager owns the single control connection. It runs an explicit
// Disconnected -> Connecting -> Connected state machine driven by one
// scheduler loop; any failure re-enters Connecting after a fixed delay,
// with no bound on retries. While disconnected every operation fails fast
// with core.ErrGatewayUnavailable.
type Manager struct {
	cfg config.GatewayConfig

	// Dial and Clock have production defaults; tests replace them.
	Dial  func(ctx context.Context) (transport, error)
	Clock Clock

	// OnConnect fires on every successful (re)connection, after the
	// control session is established. Used to kick room reconciliation.
	OnConnect func()

	mu      sync.Mutex
	wmu     sync.Mutex
	state   State
	conn    transport
	sess    *session
	pending map[string]chan *wireReply
	closed  chan struct{}
}

func NewManager(cfg config.GatewayConfig) *Manager {
	m := &Manager{
		cfg:   cfg,
		Clock: realClock{},
	}
	m.Dial = func(ctx context.Context) (transport, error) {
		return dialWS(ctx, cfg.URL)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool { return m.State() == StateConnected }

// Session returns the current control session, or fails fast while the
// gateway is unreachable. Callers must not cache the result across
// reconnects.
func (m *Manager) Session() (core.GatewaySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.sess == nil {
		return nil, core.ErrGatewayUnavailable
	}
	return m.sess, nil
}

// Run drives the connection until ctx is canceled. It never returns on
// failure; the fixed retry delay re-arms after every error.
func (m *Manager) Run(ctx context.Context) {
	for {
		m.setState(StateConnecting)

		if err := m.connectOnce(ctx); err != nil {
			log.Error().Err(err).Str("module", "gateway").Msg("gateway connection error")
			m.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-m.Clock.After(m.cfg.RetryDelay):
				continue
			}
		}

		m.setState(StateConnected)
		if m.OnConnect != nil {
			go m.OnConnect()
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()

		keepaliveDone := make(chan struct{})
		go m.keepalive(closed, keepaliveDone)

		select {
		case <-ctx.Done():
			m.teardown()
			<-keepaliveDone
			return
		case <-closed:
			<-keepaliveDone
			log.Warn().Str("module", "gateway").Msg("gateway connection closed")
			m.teardown()
			m.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-m.Clock.After(m.cfg.RetryDelay):
			}
		}
	}
}

// connectOnce dials, starts the read loop and establishes the control
// session. On success Manager holds a live transport and session.
func (m *Manager) connectOnce(ctx context.Context) error {
	conn, err := m.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	closed := make(chan struct{})
	m.mu.Lock()
	m.conn = conn
	m.pending = make(map[string]chan *wireReply)
	m.closed = closed
	m.mu.Unlock()

	go m.readLoop(conn, closed)

	reply, err := m.rpc(ctx, &wireRequest{Janus: "create"})
	if err != nil {
		conn.Close()
		return fmt.Errorf("create control session: %w", err)
	}
	if reply.Data == nil {
		conn.Close()
		return errors.New("create control session: no session id in reply")
	}

	m.mu.Lock()
	m.sess = &session{mgr: m, id: reply.Data.ID}
	m.mu.Unlock()
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		log.Info().Str("module", "gateway").Str("from", prev.String()).Str("to", s.String()).Msg("gateway state")
	}
}

// teardown invalidates the session reference and fails all in-flight calls.
func (m *Manager) teardown() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.sess = nil
	for tx, ch := range m.pending {
		close(ch)
		delete(m.pending, tx)
	}
	m.mu.Unlock()
}

func (m *Manager) keepalive(closed, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-closed:
			return
		case <-m.Clock.After(keepaliveInterval):
			m.mu.Lock()
			conn, sess := m.conn, m.sess
			m.mu.Unlock()
			if conn == nil || sess == nil {
				return
			}
			_ = m.writeJSON(conn, &wireRequest{
				Janus:       "keepalive",
				Transaction: uuid.NewString(),
				SessionID:   sess.id,
				APISecret:   m.cfg.APISecret,
			})
		}
	}
}

func (m *Manager) readLoop(conn transport, closed chan struct{}) {
	defer close(closed)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "gateway").Msg("gateway read error")
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	reply, err := parseReply(data)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("bad gateway frame")
		return
	}
	// Acks precede the real response on the same transaction; the caller
	// only cares about the latter. Unsolicited plugin events have no
	// waiting transaction and are dropped here.
	if reply.Janus == "ack" {
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[reply.Transaction]
	if ok {
		delete(m.pending, reply.Transaction)
	}
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "gateway").Str("janus", reply.Janus).Msg("unsolicited gateway event")
		return
	}
	ch <- reply
}

// rpc sends one request and waits for its correlated response, bounded by
// the configured call timeout.
func (m *Manager) rpc(ctx context.Context, req *wireRequest) (*wireReply, error) {
	if m.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
	}

	req.Transaction = uuid.NewString()
	req.APISecret = m.cfg.APISecret

	ch := make(chan *wireReply, 1)
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return nil, core.ErrGatewayUnavailable
	}
	m.pending[req.Transaction] = ch
	m.mu.Unlock()

	if err := m.writeJSON(conn, req); err != nil {
		m.dropPending(req.Transaction)
		return nil, fmt.Errorf("write gateway request: %w", err)
	}

	select {
	case <-ctx.Done():
		m.dropPending(req.Transaction)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, core.ErrGatewayTimeout
		}
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, core.ErrGatewayUnavailable
		}
		if reply.Error != nil {
			return nil, fmt.Errorf("gateway error %d: %s", reply.Error.Code, reply.Error.Reason)
		}
		return reply, nil
	}
}

// send fires a request without waiting for a response (trickle path).
func (m *Manager) send(req *wireRequest) error {
	req.Transaction = uuid.NewString()
	req.APISecret = m.cfg.APISecret
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return core.ErrGatewayUnavailable
	}
	return m.writeJSON(conn, req)
}

func (m *Manager) writeJSON(conn transport, v any) error {
	// gorilla allows a single concurrent writer.
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteJSON(v)
}

func (m *Manager) dropPending(tx string) {
	m.mu.Lock()
	delete(m.pending, tx)
	m.mu.Unlock()
}
