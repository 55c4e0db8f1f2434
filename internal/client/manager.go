// Package client maintains the realtime connection to the chat backend.
package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Emit when no transport is live.
	ErrNotConnected = errors.New("not connected to server")
	// ErrNoIdentity is returned by Connect before SetIdentity.
	ErrNoIdentity = errors.New("no user identity set")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config controls dialing and reconnection.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ConnectTimeout       time.Duration
}

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultConnectTimeout       = 20 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = logger.OrNop(log) }
}

// Manager owns the single realtime connection of a session. It dials,
// reads and reconnects on a supervisor goroutine and routes every frame,
// including the local connect, disconnect and connect_error events,
// through one hub. Handlers run sequentially on the read goroutine.
type Manager struct {
	cfg    Config
	dialer chat.Dialer
	hub    *chat.Hub
	log    *zap.Logger
	states chat.Listeners[State]

	mu       sync.RWMutex
	userID   string
	token    string
	state    State
	conn     chat.Conn
	attempts int
	run      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Manager that dials through dialer.
func New(cfg Config, dialer chat.Dialer, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		hub:    chat.NewHub(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetIdentity sets the user id and access token used by the next dial.
func (m *Manager) SetIdentity(userID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
	m.token = token
}

// UserID returns the identity set by SetIdentity.
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns whether a transport is live.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Attempts returns the consecutive failed dials of the current attempt
// cycle.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(State)) *chat.Subscription {
	return m.states.Add(fn)
}

// On registers handler for event. Registrations survive reconnects.
func (m *Manager) On(event protocol.Event, handler chat.Handler) *chat.Subscription {
	return m.hub.Register(event, handler)
}

// Connect starts connecting in the background. It is a no-op while
// connecting or connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.userID == "" {
		m.mu.Unlock()
		return ErrNoIdentity
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.run++
	run := m.run
	m.cancel = cancel
	m.attempts = 0
	m.state = StateConnecting
	m.wg.Add(1)
	m.mu.Unlock()

	m.states.Notify(StateConnecting)
	go m.supervise(runCtx, run)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It resets the
// attempt counter and raises a disconnect event when a connection or
// attempt was active.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.attempts = 0
		m.mu.Unlock()
		return
	}
	m.run++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close transport", zap.Error(err))
		}
	}
	m.states.Notify(StateDisconnected)
	m.dispatch(protocol.EventDisconnect, protocol.ReasonPayload{Reason: "client disconnect"})
}

// Close disconnects and waits for the supervisor to exit. It must not be
// called from an event handler.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

// Emit sends event to the server.
func (m *Manager) Emit(ctx context.Context, event protocol.Event, payload protocol.Payload) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	f := protocol.NewFrame(event, payload)
	data, err := f.Encode()
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	if err := conn.Write(ctx, data); err != nil {
		return errors.Wrapf(err, "failed to send %s", event)
	}
	return nil
}

func (m *Manager) dispatch(event protocol.Event, payload protocol.Payload) {
	m.hub.Dispatch(protocol.NewFrame(event, payload))
}

// supervise dials, reads until the transport drops and redials, until
// the run is cancelled or the attempts are exhausted.
func (m *Manager) supervise(ctx context.Context, run uint64) {
	defer m.wg.Done()

	for {
		conn, err := m.dial(ctx, run)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error("reconnect attempts exhausted",
					zap.Int("attempts", m.cfg.MaxReconnectAttempts), zap.Error(err))
				m.giveUp(run)
			}
			return
		}
		if !m.attach(run, conn) {
			_ = conn.Close()
			return
		}
		m.log.Info("connected", zap.String("remote", conn.RemoteAddr()))
		m.dispatch(protocol.EventConnect, nil)

		err = m.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil || !m.detach(run) {
			return
		}
		m.log.Warn("connection lost, reconnecting", zap.Error(err))
		m.dispatch(protocol.EventDisconnect, protocol.ReasonPayload{Reason: reason(err)})
		m.setState(run, StateConnecting)
	}
}

// dial makes up to MaxReconnectAttempts attempts spaced by ReconnectDelay.
func (m *Manager) dial(ctx context.Context, run uint64) (chat.Conn, error) {
	target, header, err := m.target()
	if err != nil {
		return nil, err
	}

	var conn chat.Conn
	op := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()

		c, err := m.dialer.Dial(dialCtx, target, header)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			m.recordFailure(run, err)
			return err
		}
		conn = c
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(m.cfg.MaxReconnectAttempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		m.log.Warn("connect failed, retrying", zap.Error(err), zap.Duration("in", next))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// target builds the dial URL and handshake header for the current
// identity.
func (m *Manager) target() (string, http.Header, error) {
	m.mu.RLock()
	userID, token := m.userID, m.token
	m.mu.RUnlock()

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", nil, errors.Wrapf(err, "invalid server url %q", m.cfg.URL)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return u.String(), header, nil
}

func (m *Manager) recordFailure(run uint64, err error) {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return
	}
	m.attempts++
	m.mu.Unlock()
	m.dispatch(protocol.EventConnectError, protocol.ReasonPayload{Reason: err.Error()})
}

func (m *Manager) attach(run uint64, conn chat.Conn) bool {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.attempts = 0
	m.state = StateConnected
	m.mu.Unlock()
	m.states.Notify(StateConnected)
	return true
}

// detach drops a lost transport. It reports false when the run was
// cancelled in the meantime.
func (m *Manager) detach(run uint64) bool {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	m.states.Notify(StateDisconnected)
	return true
}

func (m *Manager) giveUp(run uint64) {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	m.states.Notify(StateDisconnected)
}

func (m *Manager) setState(run uint64, s State) {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.states.Notify(s)
}

// readLoop decodes and dispatches frames until the transport fails.
// Malformed frames are logged and skipped.
func (m *Manager) readLoop(ctx context.Context, conn chat.Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			m.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.hub.Dispatch(f)
	}
}

func reason(err error) string {
	if err == nil {
		return "transport closed"
	}
	return err.Error()
}
