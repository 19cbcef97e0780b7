// Package conn owns the client's connection to the hub: dialing,
// registration, health polling and linear-backoff reconnection.
//
// All connection state lives on one goroutine. Public methods post
// commands to it and never touch the state directly.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/toolbridge/client/internal/eventbus"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
	"github.com/amurg-ai/toolbridge/pkg/socket"
)

// State is the connection lifecycle stage.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conn: manager closed")
)

// Dialer opens a transport to the hub.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header, opts socket.Options) (socket.Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, url string, header http.Header, opts socket.Options) (socket.Conn, error)

func (f DialFunc) Dial(ctx context.Context, url string, header http.Header, opts socket.Options) (socket.Conn, error) {
	return f(ctx, url, header, opts)
}

// WebSocketDialer dials with gorilla/websocket.
var WebSocketDialer = DialFunc(func(ctx context.Context, url string, header http.Header, opts socket.Options) (socket.Conn, error) {
	ws, err := socket.Dial(ctx, url, header, opts)
	if err != nil {
		return nil, err
	}
	return ws, nil
})

// Options configures a Manager. Zero durations take the defaults noted.
type Options struct {
	URL    string
	Header http.Header
	Format protocol.Format

	// Registration builds the client_registration payload sent on every
	// successful open.
	Registration func() protocol.ClientRegistration

	MaxReconnectAttempts     int           // default 5
	ReconnectBaseDelay       time.Duration // default 1s, retry n waits n*base
	ConnectedPollInterval    time.Duration // ping cadence, default 30s
	DisconnectedPollInterval time.Duration // default 5s
	ConnectionTimeout        time.Duration // default 10s

	// SocketPingInterval is passed to the transport keepalive. Negative
	// disables it; the application-level ping still runs.
	SocketPingInterval time.Duration

	Dialer Dialer
	Bus    *eventbus.Bus
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ConnectedPollInterval == 0 {
		o.ConnectedPollInterval = 30 * time.Second
	}
	if o.DisconnectedPollInterval == 0 {
		o.DisconnectedPollInterval = 5 * time.Second
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = 10 * time.Second
	}
	if o.Registration == nil {
		o.Registration = func() protocol.ClientRegistration {
			return protocol.ClientRegistration{ClientType: protocol.ClientCLI}
		}
	}
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer
	}
	if o.Bus == nil {
		o.Bus = eventbus.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type timerKind int

const (
	timerNone timerKind = iota
	timerPing
	timerRetry
	timerPoll
)

// Manager maintains one logical connection to the hub.
type Manager struct {
	opts   Options
	bus    *eventbus.Bus
	events *dispatcher
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	done   chan struct{}

	stateV    atomic.Int32
	attemptsV atomic.Int32
	dials     atomic.Int64

	// Owned by the loop goroutine.
	state    State
	attempts int
	conn     socket.Conn
	gen      int // bumped whenever the current transport is abandoned
	timer    *time.Timer
	timerSeq int
	kind     timerKind
	stopped  bool // no automatic reconnects until the next Connect
}

// New creates a Manager and starts its loop. Nothing is dialed until
// Connect.
func New(opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		bus:     opts.Bus,
		events:  newDispatcher(opts.Bus),
		logger:  opts.Logger.With("component", "conn", "url", opts.URL),
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan func(), 16),
		done:    make(chan struct{}),
		stopped: true,
	}
	go m.loop()
	return m
}

// Bus returns the bus the manager emits on. Listeners run on a single
// dispatch goroutine in emission order.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// State returns the current lifecycle stage.
func (m *Manager) State() State { return State(m.stateV.Load()) }

// IsConnected reports whether a registered transport is open.
func (m *Manager) IsConnected() bool { return m.State() == Connected }

// Attempts returns the current reconnect attempt count.
func (m *Manager) Attempts() int { return int(m.attemptsV.Load()) }

// Dials returns how many transports have been requested from the Dialer.
func (m *Manager) Dials() int64 { return m.dials.Load() }

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.ctx.Done():
			m.stopTimer()
			close(m.done)
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (m *Manager) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(ran) }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// post queues fn without waiting. Used by goroutines the loop spawned.
func (m *Manager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) setState(s State) {
	m.state = s
	m.stateV.Store(int32(s))
}

func (m *Manager) setAttempts(n int) {
	m.attempts = n
	m.attemptsV.Store(int32(n))
}

// Connect starts dialing. It is a no-op while connecting or connected.
func (m *Manager) Connect() error {
	return m.do(func() {
		m.stopped = false
		if m.state != Disconnected {
			return
		}
		m.startDial()
	})
}

// Disconnect closes the transport with a normal closure, cancels every
// timer, ignores anything the old transport still reports and removes all
// listeners from the bus. No reconnect follows.
func (m *Manager) Disconnect() error {
	return m.do(func() {
		m.stopped = true
		m.stopTimer()
		m.gen++
		wasConnected := m.state != Disconnected
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.setState(Disconnected)
		if wasConnected {
			m.emitStatus(false, "client disconnect")
		}
		m.events.clear()
		m.logger.Info("disconnected from hub")
	})
}

// Close disconnects and stops the manager loop.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.cancel()
	<-m.done
	m.events.close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Send writes one message on the open connection and pushes the health
// poll back by a full interval.
func (m *Manager) Send(msgType string, payload any) error {
	var c socket.Conn
	if err := m.do(func() {
		if m.state != Connected || m.conn == nil {
			return
		}
		c = m.conn
		m.resetConnectionCheckTimer()
	}); err != nil {
		return err
	}
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(msgType, payload)
}

func (m *Manager) startDial() {
	m.stopTimer()
	m.gen++
	gen := m.gen
	m.setState(Connecting)
	m.dials.Add(1)

	m.logger.Debug("dialing hub", "attempt", m.attempts)
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectionTimeout)
		defer cancel()
		c, err := m.opts.Dialer.Dial(ctx, m.opts.URL, m.opts.Header, socket.Options{
			Format:       m.opts.Format,
			PingInterval: m.opts.SocketPingInterval,
			Logger:       m.opts.Logger,
		})
		if err == nil && ctx.Err() != nil {
			_ = c.Close()
			c, err = nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connection timeout after %s: %w", m.opts.ConnectionTimeout, err)
		}
		if !m.post(func() { m.onDialResult(gen, c, err) }) && c != nil {
			_ = c.Close()
		}
	}()
}

func (m *Manager) onDialResult(gen int, c socket.Conn, err error) {
	if gen != m.gen || m.state != Connecting {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if err != nil {
		m.setState(Disconnected)
		m.logger.Warn("connection failed", "error", err)
		m.emitStatus(false, err.Error())
		m.scheduleRetry()
		return
	}

	m.conn = c
	m.setState(Connected)
	m.setAttempts(0)
	if err := c.Send(protocol.TypeClientRegistration, m.opts.Registration()); err != nil {
		m.logger.Warn("send registration failed", "error", err)
	}
	m.resetConnectionCheckTimer()
	m.logger.Info("connected to hub")
	m.emitStatus(true, "")

	go m.readLoop(gen, c)
}

// readLoop forwards inbound messages to the bus until the transport
// closes, then reports the close code to the loop.
func (m *Manager) readLoop(gen int, c socket.Conn) {
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			code := socket.CloseCode(err)
			m.post(func() { m.onClosed(gen, code, err) })
			return
		}
		msg, err := c.Codec().Decode(frame)
		if err != nil {
			m.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		m.events.emit(msg.Type, msg)
	}
}

func (m *Manager) onClosed(gen, code int, err error) {
	if gen != m.gen || m.state != Connected {
		return
	}
	m.conn = nil
	m.setState(Disconnected)
	m.stopTimer()
	m.emitStatus(false, fmt.Sprintf("connection closed (code %d)", code))

	if socket.IsIntentionalClose(code) {
		m.logger.Info("connection closed intentionally, not reconnecting", "close_code", code)
		m.stopped = true
		return
	}
	m.logger.Warn("connection lost", "close_code", code, "error", err)
	m.scheduleRetry()
}

// scheduleRetry waits base*attempts before the next dial, capped by the
// disconnected poll interval, or gives up for good once attempts reaches
// the maximum. Poll-driven dials count as attempts too.
func (m *Manager) scheduleRetry() {
	if m.stopped {
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.logger.Error("max reconnect attempts reached", "attempts", m.attempts)
		m.stopped = true
		m.events.emit(protocol.TypeMaxReconnectAttemptsReached, protocol.MaxReconnectAttemptsReached{Attempts: m.attempts})
		return
	}
	m.setAttempts(m.attempts + 1)
	delay, kind := m.opts.ReconnectBaseDelay*time.Duration(m.attempts), timerRetry
	if poll := m.opts.DisconnectedPollInterval; poll < delay {
		delay, kind = poll, timerPoll
	}
	m.logger.Info("reconnecting", "attempt", m.attempts, "delay", delay)
	m.arm(kind, delay)
}

// resetConnectionCheckTimer pushes the next health ping a full interval
// out. While disconnected the poll is armed by scheduleRetry instead.
func (m *Manager) resetConnectionCheckTimer() {
	if m.state == Connected {
		m.arm(timerPing, m.opts.ConnectedPollInterval)
	}
}

func (m *Manager) arm(kind timerKind, d time.Duration) {
	m.stopTimer()
	m.timerSeq++
	seq := m.timerSeq
	m.kind = kind
	m.timer = time.AfterFunc(d, func() {
		m.post(func() { m.onTimer(seq) })
	})
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.kind = timerNone
}

func (m *Manager) onTimer(seq int) {
	if seq != m.timerSeq || m.kind == timerNone {
		return
	}
	kind := m.kind
	m.timer = nil
	m.kind = timerNone

	switch kind {
	case timerPing:
		if m.state != Connected {
			return
		}
		if err := m.conn.Send(protocol.TypePing, protocol.Ping{}); err != nil {
			m.logger.Warn("health ping failed", "error", err)
		}
		m.resetConnectionCheckTimer()
	case timerRetry, timerPoll:
		if m.state == Disconnected && !m.stopped {
			m.startDial()
		}
	}
}

func (m *Manager) emitStatus(connected bool, reason string) {
	m.events.emit(protocol.TypeConnectionStatusChanged, protocol.ConnectionStatusChanged{
		Connected: connected,
		Reason:    reason,
	})
}
