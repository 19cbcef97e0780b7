// Package router terminates client WebSocket connections and routes their
// messages to the registry, the orchestrator and the chat agent.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/toolbridge/hub/internal/agent"
	"github.com/amurg-ai/toolbridge/hub/internal/auth"
	"github.com/amurg-ai/toolbridge/hub/internal/orchestrator"
	"github.com/amurg-ai/toolbridge/hub/internal/registry"
	"github.com/amurg-ai/toolbridge/hub/internal/store"
	"github.com/amurg-ai/toolbridge/hub/internal/validation"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
	"github.com/amurg-ai/toolbridge/pkg/socket"
)

// DefaultServerCapabilities is advertised when none are configured.
var DefaultServerCapabilities = []string{"chat", "tool_execution", "status_broadcast"}

// Options configures the Router.
type Options struct {
	AllowedOrigins     []string // for WebSocket origin check
	Format             protocol.Format
	MaxMessageBytes    int64 // default 256KB
	ServerCapabilities []string
	MessagesPerSecond  float64 // per connection; default 30
	MessageBurst       int     // default 50
	DedupWindow        int     // envelope ids remembered per connection; default 256
	PingInterval       time.Duration
}

// Router manages all client WebSocket connections and message routing.
type Router struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	resolver *auth.Resolver
	agent    agent.Handler
	store    store.Store // optional
	logger   *slog.Logger
	upgrader *socket.Upgrader
	opts     Options

	mu      sync.Mutex
	conns   map[string]socket.Conn // every live connection, registered or not
	closing bool
}

// New creates a Router. st may be nil, in which case nothing is audited.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, resolver *auth.Resolver,
	ag agent.Handler, st store.Store, logger *slog.Logger, opts Options) *Router {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 256 * 1024
	}
	if len(opts.ServerCapabilities) == 0 {
		opts.ServerCapabilities = DefaultServerCapabilities
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = 30
	}
	if opts.MessageBurst == 0 {
		opts.MessageBurst = 50
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = 256
	}
	if opts.Format == "" {
		opts.Format = protocol.FormatEnvelope
	}
	logger = logger.With("component", "router")

	return &Router{
		registry: reg,
		orch:     orch,
		resolver: resolver,
		agent:    ag,
		store:    st,
		logger:   logger,
		upgrader: socket.NewUpgrader(opts.AllowedOrigins, socket.Options{
			Format:       opts.Format,
			ReadLimit:    opts.MaxMessageBytes,
			PingInterval: opts.PingInterval,
			Logger:       logger,
		}),
		opts:  opts,
		conns: make(map[string]socket.Conn),
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	r.Serve(req.Context(), ws)
}

// Serve runs the read loop for an established connection and cleans up
// after it ends. It blocks until the connection closes.
func (r *Router) Serve(ctx context.Context, conn socket.Conn) {
	// Serve outlives the upgrade request context; chat turns end with the
	// connection instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	cs := &connState{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), r.opts.MessageBurst),
		seen:    newDedupWindow(r.opts.DedupWindow),
		chats:   newLanes(),
	}
	r.logger.Info("connection opened", "conn_id", conn.ID())

	var readErr error
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			readErr = err
			r.logger.Debug("read error", "conn_id", conn.ID(), "error", err)
			break
		}
		if !cs.limiter.Allow() {
			r.logger.Debug("message rate limited", "conn_id", conn.ID())
			continue
		}

		msg, err := conn.Codec().Decode(frame)
		if err != nil {
			r.logger.Warn("invalid message", "conn_id", conn.ID(), "error", err)
			continue
		}
		if cs.seen.Seen(msg.ID) {
			r.logger.Debug("duplicate message, skipping", "conn_id", conn.ID(), "message_id", msg.ID)
			continue
		}
		r.handleMessage(ctx, cs, msg)
	}

	cancel()
	r.cleanup(conn, cs.client, socket.CloseCode(readErr))
	cs.chats.wait()
}

type connState struct {
	conn    socket.Conn
	limiter *rate.Limiter
	seen    *dedupWindow
	chats   *lanes                     // chat turns, keyed by session id
	client  *registry.ClientConnection // nil until registered
}

func (r *Router) handleMessage(ctx context.Context, cs *connState, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeClientRegistration:
		r.handleRegistration(ctx, cs, msg)

	case protocol.TypePing:
		r.send(cs.conn, protocol.TypePong, protocol.Pong{OriginalTimestamp: msg.Timestamp})

	case protocol.TypeChatMessage:
		if !r.requireRegistered(cs, msg.Type) {
			return
		}
		chat, err := protocol.ParseAs[protocol.ChatMessage](msg)
		if err != nil {
			r.logger.Warn("invalid chat message", "client_id", cs.client.ID, "error", err)
			return
		}
		if chat.SessionID == "" {
			r.send(cs.conn, protocol.TypeError, protocol.ErrorPayload{Message: "chat message requires a session id"})
			return
		}
		// The agent may execute tools on this same client, so the turn must
		// not block the read loop that delivers their responses.
		cc := cs.client
		cs.chats.run(chat.SessionID, func() { r.handleChat(ctx, cs.conn, cc, chat) })

	case protocol.TypeClearConversation:
		if !r.requireRegistered(cs, msg.Type) {
			return
		}
		clr, err := protocol.ParseAs[protocol.ClearConversation](msg)
		if err != nil {
			r.logger.Warn("invalid clear_conversation", "client_id", cs.client.ID, "error", err)
			return
		}
		// Queued behind earlier turns of the session.
		cc := cs.client
		cs.chats.run(clr.SessionID, func() {
			if err := r.agent.ClearConversation(ctx, cc.ID, clr.SessionID); err != nil {
				r.logger.Warn("clear conversation failed", "client_id", cc.ID, "session_id", clr.SessionID, "error", err)
			}
			r.audit(ctx, store.ActionConversationCleared, cc, map[string]string{"session_id": clr.SessionID})
			r.send(cs.conn, protocol.TypeConversationCleared, protocol.ConversationCleared{Success: true, SessionID: clr.SessionID})
		})

	case protocol.TypeToolExecutionResponse:
		if !r.requireRegistered(cs, msg.Type) {
			return
		}
		resp, err := protocol.ParseAs[protocol.ToolExecutionResponse](msg)
		if err != nil || resp.ExecutionID == "" {
			r.logger.Warn("invalid tool_execution_response", "client_id", cs.client.ID, "error", err)
			return
		}
		if resp.Error != nil && !resp.Error.Type.Valid() {
			resp.Error.Type = protocol.ErrUnknown
		}
		r.orch.OnResponse(cs.client.ID, resp)

	case protocol.TypeToolExecutionStatus:
		if !r.requireRegistered(cs, msg.Type) {
			return
		}
		st, err := protocol.ParseAs[protocol.ToolExecutionStatus](msg)
		if err != nil || st.ExecutionID == "" {
			r.logger.Warn("invalid tool_execution_status", "client_id", cs.client.ID, "error", err)
			return
		}
		if st.Progress != nil && (*st.Progress < 0 || *st.Progress > 100) {
			r.logger.Warn("status progress out of range", "client_id", cs.client.ID, "progress", *st.Progress)
			return
		}
		r.orch.BroadcastStatus(st)

	case protocol.TypePong:
		// Nothing to correlate.

	default:
		r.logger.Warn("unknown message type", "conn_id", cs.conn.ID(), "type", msg.Type)
	}
}

func (r *Router) requireRegistered(cs *connState, msgType string) bool {
	if cs.client != nil {
		return true
	}
	r.logger.Warn("message before registration", "conn_id", cs.conn.ID(), "type", msgType)
	r.send(cs.conn, protocol.TypeError, protocol.ErrorPayload{Message: "client not registered"})
	return false
}

func (r *Router) handleRegistration(ctx context.Context, cs *connState, msg *protocol.Message) {
	reg, err := protocol.ParseAs[protocol.ClientRegistration](msg)
	if err != nil {
		r.rejectRegistration(ctx, cs, "invalid registration payload", nil)
		return
	}

	principal, err := r.resolver.Resolve(ctx, reg.SessionToken, reg.UserID)
	if err != nil {
		r.rejectRegistration(ctx, cs, err.Error(), nil)
		return
	}

	cc, err := r.registry.Register(cs.conn, registry.Registration{
		ClientType:   reg.ClientType,
		Capabilities: reg.Capabilities,
		UserAgent:    reg.UserAgent,
		Metadata:     reg.Metadata,
		User: &registry.User{
			UserID:          principal.UserID,
			IsAuthenticated: principal.Authenticated,
			Permissions:     principal.Permissions,
		},
	})
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			r.rejectRegistration(ctx, cs, "registration validation failed", verr)
			return
		}
		r.rejectRegistration(ctx, cs, err.Error(), nil)
		return
	}
	cs.client = cc

	r.send(cs.conn, protocol.TypeRegistrationConfirmed, protocol.RegistrationConfirmed{
		ClientID:           cc.ID,
		ServerCapabilities: r.opts.ServerCapabilities,
		Authenticated:      cc.User.IsAuthenticated,
		Permissions:        cc.User.Permissions,
	})
	r.audit(ctx, store.ActionClientRegister, cc, map[string]any{
		"client_type":  cc.Type,
		"capabilities": cc.CapabilityList(),
		"user_agent":   cc.UserAgent,
	})
}

func (r *Router) rejectRegistration(ctx context.Context, cs *connState, message string, details any) {
	r.logger.Warn("registration rejected", "conn_id", cs.conn.ID(), "reason", message)
	r.send(cs.conn, protocol.TypeError, protocol.ErrorPayload{Message: message, Details: details})
	if r.store == nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{"reason": message, "details": details})
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: store.ActionClientRegisterRejected,
		ClientID: cs.conn.ID(), Detail: detail, CreatedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("failed to log audit event", "action", store.ActionClientRegisterRejected, "error", err)
	}
}

func (r *Router) handleChat(ctx context.Context, conn socket.Conn, cc *registry.ClientConnection, chat *protocol.ChatMessage) {
	reply, err := r.agent.Chat(ctx, cc, chat.SessionID, chat.Content)
	if err != nil {
		r.logger.Warn("chat failed", "client_id", cc.ID, "session_id", chat.SessionID, "error", err)
		r.send(conn, protocol.TypeError, protocol.ErrorPayload{Message: "chat failed", Details: err.Error()})
		return
	}
	r.send(conn, protocol.TypeChatResponse, protocol.ChatResponse{Content: reply, SessionID: chat.SessionID})
}

// cleanup runs once the read loop ends. cc is the connection's registration,
// if any; the registry may already have pruned it after a failed broadcast.
func (r *Router) cleanup(conn socket.Conn, cc *registry.ClientConnection, code int) {
	r.mu.Lock()
	delete(r.conns, conn.ID())
	r.mu.Unlock()

	if cur, ok := r.registry.Get(conn.ID()); ok && cur.Socket == socket.Socket(conn) {
		r.registry.Remove(conn.ID())
	}
	rejected := r.orch.OnClientDisconnected(conn.ID())
	_ = conn.Close()

	if cc != nil {
		r.audit(context.Background(), store.ActionClientDisconnect, cc, map[string]any{
			"close_code": code, "rejected_executions": rejected,
		})
	}
	r.logger.Info("connection closed", "conn_id", conn.ID(), "close_code", code, "rejected_executions", rejected)
}

// Shutdown tells every connection the server is going away and closes it
// with going-away so clients do not reconnect. New connections are refused.
func (r *Router) Shutdown(reason string) int {
	r.mu.Lock()
	r.closing = true
	conns := make([]socket.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.send(c, protocol.TypeServerShutdown, protocol.ServerShutdown{Reason: reason})
		_ = c.CloseWith(websocket.CloseGoingAway, reason)
	}
	r.logger.Info("router shut down", "connections", len(conns))
	return len(conns)
}

// Connections returns the number of live connections, registered or not.
func (r *Router) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Router) send(s socket.Socket, msgType string, payload any) {
	if err := s.Send(msgType, payload); err != nil {
		r.logger.Warn("send failed", "conn_id", s.ID(), "type", msgType, "error", err)
	}
}

func (r *Router) audit(ctx context.Context, action string, cc *registry.ClientConnection, detail any) {
	if r.store == nil {
		return
	}
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		ClientID:  cc.ID,
		UserID:    cc.User.UserID,
		CreatedAt: time.Now(),
	}
	if detail != nil {
		ev.Detail, _ = json.Marshal(detail)
	}
	if err := r.store.LogAuditEvent(ctx, ev); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
