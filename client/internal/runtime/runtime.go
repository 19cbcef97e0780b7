// Package runtime is the client process: it keeps the hub connection up,
// answers tool requests with local tools and sends chat in a session.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/conn"
	"github.com/amurg-ai/toolbridge/client/internal/control"
	"github.com/amurg-ai/toolbridge/client/internal/eventbus"
	"github.com/amurg-ai/toolbridge/client/internal/kv"
	"github.com/amurg-ai/toolbridge/client/internal/session"
	"github.com/amurg-ai/toolbridge/client/internal/tools"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// ErrGaveUp is returned by Run when the connection manager stops
// reconnecting.
var ErrGaveUp = errors.New("hub unreachable: max reconnect attempts reached")

// Options overrides collaborators, mostly for tests.
type Options struct {
	Dialer  conn.Dialer
	Store   kv.Store
	Tools   *tools.Registry
	Version string // reported by the control status

	// Logs carries the process log records for the control socket's log
	// stream. Nil disables streaming.
	Logs *eventbus.Bus
}

// Runtime is one client process.
type Runtime struct {
	cfg      *config.Config
	conn     *conn.Manager
	sessions *session.Manager
	registry *tools.Registry
	executor *tools.Executor
	store    kv.Store
	logger   *slog.Logger

	version   string
	startedAt time.Time
	logs      *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	clientID    string
	hubClosing  bool
	replies     chan protocol.ChatResponse
	confirmed   chan struct{}
	confirmOnce *sync.Once
	stopped     chan struct{}
	stopErr     error
	stoppedOnce sync.Once
}

// DefaultTools returns the built-in tool set.
func DefaultTools(cfg *config.Config) *tools.Registry {
	return tools.NewRegistry(
		tools.Echo{},
		tools.Time{},
		tools.FetchPage{Client: &http.Client{Timeout: cfg.Execution.DefaultTimeout.Duration}, MaxBytes: cfg.Execution.MaxFetchBytes},
	)
}

// New builds a runtime from a finalized config.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	format, err := protocol.ParseFormat(cfg.Hub.Format)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store, err = kv.New(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
	}
	registry := opts.Tools
	if registry == nil {
		registry = DefaultTools(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:      cfg,
		registry: registry,
		executor: tools.NewExecutor(registry, cfg.Execution.DefaultTimeout.Duration, logger),
		store:    store,
		logger:   logger.With("component", "runtime"),

		version:   opts.Version,
		startedAt: time.Now(),
		logs:      opts.Logs,

		ctx:     ctx,
		cancel:  cancel,
		replies: make(chan protocol.ChatResponse, 16),
		stopped: make(chan struct{}),
	}
	r.resetConfirmed()

	header := http.Header{}
	if cfg.Hub.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Hub.Token)
	}
	r.conn = conn.New(conn.Options{
		URL:                      cfg.Hub.URL,
		Header:                   header,
		Format:                   format,
		Registration:             r.registration,
		MaxReconnectAttempts:     cfg.Hub.MaxReconnectAttempts,
		ReconnectBaseDelay:       cfg.Hub.ReconnectBaseDelay.Duration,
		ConnectedPollInterval:    cfg.Hub.ConnectedPollInterval.Duration,
		DisconnectedPollInterval: cfg.Hub.DisconnectedPollInterval.Duration,
		ConnectionTimeout:        cfg.Hub.ConnectionTimeout.Duration,
		Dialer:                   opts.Dialer,
		Logger:                   logger,
	})
	r.sessions = session.New(store, r.conn, logger)
	return r, nil
}

// Conn exposes the connection manager.
func (r *Runtime) Conn() *conn.Manager { return r.conn }

// Sessions exposes the session manager.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Status reports the live state for the control socket.
func (r *Runtime) Status() control.StatusResult {
	started := r.startedAt
	return control.StatusResult{
		ClientID:  r.ClientID(),
		HubURL:    r.cfg.Hub.URL,
		State:     r.conn.State().String(),
		Connected: r.conn.IsConnected(),
		Attempts:  r.conn.Attempts(),
		SessionID: r.sessions.CurrentSessionID(),
		Tools:     r.registry.Names(),
		StartedAt: started,
		Uptime:    time.Since(started).Truncate(time.Second).String(),
		Version:   r.version,
	}
}

// ClientID returns the id the hub assigned, or "" before confirmation.
func (r *Runtime) ClientID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientID
}

func (r *Runtime) registration() protocol.ClientRegistration {
	caps := r.cfg.Client.Capabilities
	if len(caps) == 0 {
		caps = r.registry.Names()
	}
	return protocol.ClientRegistration{
		ClientType:   protocol.ClientType(r.cfg.Client.Type),
		Capabilities: caps,
		UserAgent:    r.cfg.Client.UserAgent,
		Metadata:     r.cfg.Client.Metadata,
		SessionToken: r.cfg.Hub.Token,
		UserID:       r.cfg.Hub.UserID,
	}
}

func (r *Runtime) resetConfirmed() {
	r.mu.Lock()
	r.confirmed = make(chan struct{})
	r.confirmOnce = &sync.Once{}
	r.mu.Unlock()
}

// Start restores the persisted session, wires the handlers onto the bus
// and begins connecting. Disconnect clears the bus, so Start wires again
// every time.
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.sessions.Load(ctx); err != nil {
		r.logger.Warn("session restore failed", "error", err)
	}
	r.wire(r.conn.Bus())
	return r.conn.Connect()
}

func (r *Runtime) wire(bus *eventbus.Bus) {
	bus.On(protocol.TypeRegistrationConfirmed, r.onMessage(r.handleConfirmed))
	bus.On(protocol.TypeToolExecutionRequest, r.onMessage(r.handleToolRequest))
	bus.On(protocol.TypeChatResponse, r.onMessage(r.handleChatResponse))
	bus.On(protocol.TypeConversationCleared, r.onMessage(r.handleConversationCleared))
	bus.On(protocol.TypeError, r.onMessage(r.handleError))
	bus.On(protocol.TypeServerShutdown, r.onMessage(r.handleServerShutdown))
	bus.On(protocol.TypeConnectionStatusChanged, r.handleStatus)
	bus.On(protocol.TypeMaxReconnectAttemptsReached, func(eventbus.Event) { r.stop(ErrGaveUp) })
}

// onMessage adapts a bus listener to a handler taking the inbound message.
func (r *Runtime) onMessage(fn func(*protocol.Message)) eventbus.Listener {
	return func(e eventbus.Event) {
		msg, ok := e.Data.(*protocol.Message)
		if !ok {
			return
		}
		fn(msg)
	}
}

func (r *Runtime) handleConfirmed(msg *protocol.Message) {
	conf, err := protocol.ParseAs[protocol.RegistrationConfirmed](msg)
	if err != nil {
		r.logger.Warn("bad registration_confirmed", "error", err)
		return
	}
	r.mu.Lock()
	r.clientID = conf.ClientID
	confirmed, once := r.confirmed, r.confirmOnce
	r.mu.Unlock()
	r.sessions.SetClientID(conf.ClientID)
	once.Do(func() { close(confirmed) })
	r.logger.Info("registered with hub", "client_id", conf.ClientID, "authenticated", conf.Authenticated)
}

func (r *Runtime) handleToolRequest(msg *protocol.Message) {
	req, err := protocol.ParseAs[protocol.ToolExecutionRequest](msg)
	if err != nil {
		r.logger.Warn("bad tool_execution_request", "error", err)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runTool(req)
	}()
}

func (r *Runtime) runTool(req *protocol.ToolExecutionRequest) {
	log := r.logger.With("execution_id", req.ExecutionID, "tool", req.ToolName)
	r.sendStatus(req.ExecutionID, protocol.StatusExecuting, "")

	resp := r.executor.Execute(r.ctx, req)
	if err := r.conn.Send(protocol.TypeToolExecutionResponse, resp); err != nil {
		log.Warn("tool response not delivered", "error", err)
		return
	}

	status := protocol.StatusCompleted
	message := ""
	if !resp.Success {
		status = protocol.StatusFailed
		if resp.Error != nil {
			message = resp.Error.Message
			if resp.Error.Type == protocol.ErrTimeout {
				status = protocol.StatusTimeout
			}
		}
	}
	r.sendStatus(req.ExecutionID, status, message)
	log.Info("tool request answered", "success", resp.Success, "duration_ms", resp.ExecutionTime)
}

func (r *Runtime) sendStatus(id string, status protocol.ExecutionStatus, message string) {
	err := r.conn.Send(protocol.TypeToolExecutionStatus, protocol.ToolExecutionStatus{
		ExecutionID:   id,
		Status:        status,
		StatusMessage: message,
	})
	if err != nil {
		r.logger.Debug("status not delivered", "execution_id", id, "status", status, "error", err)
	}
}

func (r *Runtime) handleChatResponse(msg *protocol.Message) {
	resp, err := protocol.ParseAs[protocol.ChatResponse](msg)
	if err != nil {
		r.logger.Warn("bad chat_response", "error", err)
		return
	}
	select {
	case r.replies <- *resp:
	default:
		r.logger.Warn("chat reply dropped, nobody is reading", "session_id", resp.SessionID)
	}
}

func (r *Runtime) handleConversationCleared(msg *protocol.Message) {
	ack, err := protocol.ParseAs[protocol.ConversationCleared](msg)
	if err != nil {
		return
	}
	r.logger.Debug("conversation cleared on hub", "session_id", ack.SessionID, "success", ack.Success)
}

func (r *Runtime) handleError(msg *protocol.Message) {
	p, err := protocol.ParseAs[protocol.ErrorPayload](msg)
	if err != nil {
		r.logger.Warn("bad error message", "error", err)
		return
	}
	r.logger.Warn("hub reported error", "message", p.Message)
}

func (r *Runtime) handleServerShutdown(msg *protocol.Message) {
	reason := ""
	if p, err := protocol.ParseAs[protocol.ServerShutdown](msg); err == nil {
		reason = p.Reason
	}
	r.mu.Lock()
	r.hubClosing = true
	r.mu.Unlock()
	r.logger.Info("hub is shutting down", "reason", reason)
}

func (r *Runtime) handleStatus(e eventbus.Event) {
	st, ok := e.Data.(protocol.ConnectionStatusChanged)
	if !ok {
		return
	}
	if st.Connected {
		return
	}
	r.resetConfirmed()
	r.mu.Lock()
	closing := r.hubClosing
	r.mu.Unlock()
	if closing {
		r.stop(nil)
	}
}

func (r *Runtime) stop(err error) {
	r.stoppedOnce.Do(func() {
		r.mu.Lock()
		r.stopErr = err
		r.mu.Unlock()
		close(r.stopped)
	})
}

func (r *Runtime) stopReason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopErr
}

// WaitRegistered blocks until the hub confirms the current connection.
func (r *Runtime) WaitRegistered(ctx context.Context) error {
	r.mu.Lock()
	confirmed := r.confirmed
	r.mu.Unlock()
	select {
	case <-confirmed:
		return nil
	case <-r.stopped:
		err := r.stopReason()
		if err == nil {
			err = errors.New("hub closed the connection")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChat sends content in the current session, creating one first when
// there is none. The session id used is returned.
func (r *Runtime) SendChat(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", errors.New("chat message is empty")
	}
	id, err := r.sessions.EnsureSession(ctx)
	if err != nil {
		return "", err
	}
	if err := r.conn.Send(protocol.TypeChatMessage, protocol.ChatMessage{Content: content, SessionID: id}); err != nil {
		return "", fmt.Errorf("send chat: %w", err)
	}
	return id, nil
}

// Chat sends content and waits for the reply in the same session.
func (r *Runtime) Chat(ctx context.Context, content string) (*protocol.ChatResponse, error) {
	id, err := r.SendChat(ctx, content)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case resp := <-r.replies:
			if resp.SessionID == id {
				return &resp, nil
			}
			r.logger.Debug("reply for another session ignored", "session_id", resp.SessionID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ClearSession drops the current session here and on the hub.
func (r *Runtime) ClearSession(ctx context.Context) error {
	return r.sessions.ClearSession(ctx)
}

// Run starts the runtime and blocks until ctx ends, the hub shuts down or
// reconnection gives up.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	if path := r.cfg.Control.Socket; path != "" {
		srv := control.NewServer(path, r, r.conn.Bus(), r.logs, r.logger)
		if err := srv.Start(); err != nil {
			_ = r.Close()
			return fmt.Errorf("control socket: %w", err)
		}
		defer srv.Close()
	}
	var err error
	select {
	case <-ctx.Done():
	case <-r.stopped:
		err = r.stopReason()
	}
	if cerr := r.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close disconnects, waits for running tools and closes the store.
func (r *Runtime) Close() error {
	r.cancel()
	err := r.conn.Close()
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("tools still running at close")
	}
	if serr := r.store.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}
