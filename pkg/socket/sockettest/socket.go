// Package sockettest provides an in-memory socket.Conn that records what
// is sent to it and lets tests inject inbound frames and closures.
package sockettest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Sent is one message captured by Send.
type Sent struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the captured payload into v.
func (s Sent) Decode(v any) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}

// Socket is a fake connection. The zero value is not usable; call New.
type Socket struct {
	id    string
	codec *protocol.Codec

	mu        sync.Mutex
	open      bool
	sent      []Sent
	sendErr   error
	closeCode int

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns an open socket with the given id.
func New(id string) *Socket {
	return &Socket{
		id:      id,
		codec:   protocol.NewCodec(protocol.FormatEnvelope),
		open:    true,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (s *Socket) ID() string             { return s.id }
func (s *Socket) Codec() *protocol.Codec { return s.codec }

func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Socket) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, Sent{Type: event, Payload: payload})
	return nil
}

// FailSends makes every following Send return err. Nil restores success.
func (s *Socket) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Sent returns a copy of everything sent so far.
func (s *Socket) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// SentOfType returns the sent messages with the given type.
func (s *Socket) SentOfType(msgType string) []Sent {
	var out []Sent
	for _, m := range s.Sent() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor polls until a message of msgType has been sent or timeout passes.
func (s *Socket) WaitFor(msgType string, timeout time.Duration) (Sent, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msgs := s.SentOfType(msgType); len(msgs) > 0 {
			return msgs[len(msgs)-1], true
		}
		if time.Now().After(deadline) {
			return Sent{}, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Deliver queues an inbound message for ReadFrame.
func (s *Socket) Deliver(msgType string, payload any) {
	frame, err := s.codec.Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	s.DeliverRaw(frame)
}

// DeliverRaw queues an inbound frame as is.
func (s *Socket) DeliverRaw(frame []byte) {
	select {
	case s.inbound <- frame:
	case <-s.closed:
	}
}

func (s *Socket) ReadFrame() ([]byte, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	default:
	}
	select {
	case frame := <-s.inbound:
		return frame, nil
	case <-s.closed:
		s.mu.Lock()
		code := s.closeCode
		s.mu.Unlock()
		return nil, &websocket.CloseError{Code: code}
	}
}

func (s *Socket) Close() error {
	return s.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the socket. Pending and future ReadFrame calls return a
// close error with code.
func (s *Socket) CloseWith(code int, _ string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.open = false
		s.closeCode = code
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// CloseCode reports the code the socket was closed with, or 0 while open.
func (s *Socket) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}
