// Package socket turns a raw bidirectional connection into a uniform
// send/close handle so the registry, orchestrator and connection manager
// can be exercised without a network.
package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Socket is the send side of one live connection.
type Socket interface {
	// ID is stable for the lifetime of the connection.
	ID() string
	// Send encodes and writes one message. It is a silent no-op when the
	// connection is not open.
	Send(event string, data any) error
	Close() error
	IsOpen() bool
}

// Conn is a Socket that can also be read from and closed with a code.
type Conn interface {
	Socket
	// ReadFrame blocks for the next inbound frame. After the connection
	// closes it returns an error carrying the close code (see CloseCode).
	ReadFrame() ([]byte, error)
	CloseWith(code int, reason string) error
	Codec() *protocol.Codec
}

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// Options configures a WebSocket.
type Options struct {
	ID           string // defaults to a random uuid
	Format       protocol.Format
	ReadLimit    int64
	PingInterval time.Duration // negative disables keepalive
	PongWait     time.Duration
	WriteWait    time.Duration
	Logger       *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait == 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait == 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WebSocket adapts a gorilla connection to Conn. Writes are serialized by
// an internal mutex; reads must come from a single goroutine.
type WebSocket struct {
	id        string
	conn      *websocket.Conn
	codec     *protocol.Codec
	logger    *slog.Logger
	writeWait time.Duration

	mu        sync.Mutex // guards writes to conn
	open      atomic.Bool
	closeOnce sync.Once
	stopPing  func()
}

// New wraps an established connection and starts keepalive pings.
func New(conn *websocket.Conn, opts Options) *WebSocket {
	opts.applyDefaults()
	s := &WebSocket{
		id:        opts.ID,
		conn:      conn,
		codec:     protocol.NewCodec(opts.Format),
		logger:    opts.Logger.With("socket_id", opts.ID),
		writeWait: opts.WriteWait,
		stopPing:  func() {},
	}
	s.open.Store(true)
	conn.SetReadLimit(opts.ReadLimit)
	if opts.PingInterval > 0 {
		s.stopPing = s.startKeepalive(opts.PingInterval, opts.PongWait)
	}
	return s
}

func (s *WebSocket) ID() string             { return s.id }
func (s *WebSocket) IsOpen() bool           { return s.open.Load() }
func (s *WebSocket) Codec() *protocol.Codec { return s.codec }

func (s *WebSocket) Send(event string, data any) error {
	if !s.IsOpen() {
		s.logger.Debug("send on closed socket dropped", "type", event)
		return nil
	}
	frame, err := s.codec.Encode(event, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("socket %s: write %s: %w", s.id, event, err)
	}
	return nil
}

func (s *WebSocket) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.markClosed()
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal-closure frame and closes the connection.
func (s *WebSocket) Close() error {
	return s.CloseWith(websocket.CloseNormalClosure, "")
}

func (s *WebSocket) CloseWith(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.markClosed()
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeWait))
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WebSocket) markClosed() {
	if s.open.CompareAndSwap(true, false) {
		s.stopPing()
	}
}

func (s *WebSocket) startKeepalive(interval, pongWait time.Duration) (cancel func()) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
				s.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// CloseCode extracts the peer's close code from a read error. Errors that
// are not a close frame report websocket.CloseAbnormalClosure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// IsIntentionalClose reports whether code ends a connection on purpose.
// Such closures must never trigger a reconnect.
func IsIntentionalClose(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}
