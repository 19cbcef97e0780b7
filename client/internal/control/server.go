package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/amurg-ai/toolbridge/client/internal/eventbus"
)

const (
	maxRequestLine = 1 << 20
	writeTimeout   = 5 * time.Second
	clearTimeout   = 10 * time.Second
)

// Server answers control requests on a Unix socket.
type Server struct {
	path     string
	provider Provider
	events   *eventbus.Bus
	logs     *eventbus.Bus
	logger   *slog.Logger
	methods  map[string]func(context.Context, *peer, Request)

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener
	wg     sync.WaitGroup
	once   sync.Once
}

// NewServer creates a control server. events feeds MethodSubscribe and
// logs feeds MethodLogs; a nil logs bus disables the latter.
func NewServer(socketPath string, provider Provider, events, logs *eventbus.Bus, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		path:     socketPath,
		provider: provider,
		events:   events,
		logs:     logs,
		logger:   logger.With("component", "control"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.methods = map[string]func(context.Context, *peer, Request){
		MethodStatus:       s.status,
		MethodClearSession: s.clearSession,
		MethodSubscribe:    s.subscribe,
		MethodLogs:         s.followLogs,
	}
	return s
}

// Start binds the socket, replacing a stale file left by an earlier run,
// and serves connections in the background.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.accept()
	s.logger.Info("control socket listening", "path", s.path)
	return nil
}

// Close stops accepting, ends every connection and removes the socket file.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.path)
	})
	return err
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

// peer is one control connection. Streams and replies share the encoder.
type peer struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *json.Encoder
}

func (p *peer) send(resp Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.enc.Encode(resp)
}

func (p *peer) result(id string, v any) error {
	return p.send(Response{ID: id, Type: "result", Data: marshalRaw(v)})
}

func (p *peer) fail(id, msg string) error {
	return p.send(Response{ID: id, Type: "error", Data: errorData(msg)})
}

func (s *Server) serve(conn net.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	var streams sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		streams.Wait()
		s.wg.Done()
	}()

	// Unblock the reader when the server shuts down.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	p := &peer{conn: conn, enc: json.NewEncoder(conn)}
	lines := bufio.NewScanner(conn)
	lines.Buffer(make([]byte, 0, 4096), maxRequestLine)
	for lines.Scan() {
		if len(lines.Bytes()) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(lines.Bytes(), &req); err != nil {
			_ = p.fail("", "invalid request")
			continue
		}
		handle, ok := s.methods[req.Method]
		if !ok {
			_ = p.fail(req.ID, "unknown method: "+req.Method)
			continue
		}
		if req.Method == MethodSubscribe || req.Method == MethodLogs {
			streams.Add(1)
			go func() {
				defer streams.Done()
				handle(ctx, p, req)
			}()
			continue
		}
		handle(ctx, p, req)
	}
}

func (s *Server) status(_ context.Context, p *peer, req Request) {
	_ = p.result(req.ID, s.provider.Status())
}

func (s *Server) clearSession(ctx context.Context, p *peer, req Request) {
	ctx, cancel := context.WithTimeout(ctx, clearTimeout)
	defer cancel()
	if err := s.provider.ClearSession(ctx); err != nil {
		_ = p.fail(req.ID, err.Error())
		return
	}
	_ = p.result(req.ID, map[string]bool{"cleared": true})
}

func (s *Server) subscribe(ctx context.Context, p *peer, req Request) {
	var params SubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = p.fail(req.ID, "invalid subscribe params")
			return
		}
	}
	s.stream(ctx, p, req.ID, s.events, params.Events)
}

func (s *Server) followLogs(ctx context.Context, p *peer, req Request) {
	if s.logs == nil {
		_ = p.fail(req.ID, "log streaming is not enabled")
		return
	}
	s.stream(ctx, p, req.ID, s.logs, []string{eventbus.LogEntry})
}

// stream forwards bus events until ctx ends, a write fails or the bus
// closes the subscription. The connection bus closes subscriptions when the
// client disconnects from the hub.
func (s *Server) stream(ctx context.Context, p *peer, id string, bus *eventbus.Bus, types []string) {
	ch := bus.Subscribe(types...)
	defer bus.Unsubscribe(ch)

	if err := p.result(id, map[string]string{"status": "subscribed"}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			err := p.send(Response{Type: "event", Data: marshalRaw(Event{
				Type:      evt.Type,
				Timestamp: evt.Timestamp,
				Data:      marshalRaw(evt.Data),
			})})
			if err != nil {
				s.logger.Debug("control stream ended", "error", err)
				return
			}
		}
	}
}
