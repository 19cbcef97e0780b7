// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/toolbridge/hub/internal/auth"
	"github.com/amurg-ai/toolbridge/hub/internal/config"
	"github.com/amurg-ai/toolbridge/hub/internal/orchestrator"
	"github.com/amurg-ai/toolbridge/hub/internal/registry"
	"github.com/amurg-ai/toolbridge/hub/internal/router"
	"github.com/amurg-ai/toolbridge/hub/internal/store"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	registry     *registry.Registry
	orch         *orchestrator.Orchestrator
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, rt *router.Router, reg *registry.Registry,
	orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		registry:     reg,
		orch:         orch,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes == 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(noSniff)
	mux.Use(corsFor(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route; registration carries its own credentials.
	mux.Get("/ws", rt.HandleWS)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(srv.rl))
		r.Use(srv.requestLog)
		r.Use(srv.requireOperator)

		r.Get("/api/clients", srv.handleListClients)
		r.Get("/api/clients/stats", srv.handleClientStats)
		r.Post("/api/clients/{clientID}/executions", srv.handleExecuteOnClient)
		r.Post("/api/executions", srv.handleExecuteByCapability)
		r.Get("/api/executions/stats", srv.handleExecutionStats)
		r.Get("/api/executions/history", srv.handleExecutionHistory)
		r.Get("/api/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Truncate(time.Second).String(),
		"clients": s.registry.Count(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Clients ---

type clientView struct {
	ID           string              `json:"id"`
	Type         protocol.ClientType `json:"type"`
	Capabilities []string            `json:"capabilities"`
	UserAgent    string              `json:"user_agent,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	ConnectedAt  time.Time           `json:"connected_at"`
	User         registry.User       `json:"user"`
}

func toClientView(cc *registry.ClientConnection) clientView {
	return clientView{
		ID:           cc.ID,
		Type:         cc.Type,
		Capabilities: cc.CapabilityList(),
		UserAgent:    cc.UserAgent,
		Metadata:     cc.Metadata,
		ConnectedAt:  cc.ConnectedAt,
		User:         cc.User,
	}
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	var clients []*registry.ClientConnection
	switch q := r.URL.Query(); {
	case q.Get("type") != "":
		clients = s.registry.GetByType(protocol.ClientType(q.Get("type")))
	case q.Get("capability") != "":
		clients = s.registry.GetByCapability(q.Get("capability"))
	default:
		clients = s.registry.GetAll()
	}

	out := make([]clientView, 0, len(clients))
	for _, cc := range clients {
		out = append(out, toClientView(cc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClientStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// --- Executions ---

type executeRequest struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty"`
	Capability  string         `json:"capability,omitempty"` // defaults to tool_name
}

type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	ClientID    string `json:"client_id"`
	Output      string `json:"output"`
	DurationMs  int64  `json:"duration_ms"`
}

func (s *Server) decodeExecuteRequest(w http.ResponseWriter, r *http.Request) (*executeRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return nil, false
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleExecuteOnClient(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	cc, found := s.registry.Get(chi.URLParam(r, "clientID"))
	if !found {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	s.execute(w, r, cc, req)
}

func (s *Server) handleExecuteByCapability(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	capability := req.Capability
	if capability == "" {
		capability = req.ToolName
	}
	clients := s.registry.GetByCapability(capability)
	if len(clients) == 0 {
		writeError(w, http.StatusNotFound, "no client offers "+capability)
		return
	}
	s.execute(w, r, clients[0], req)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, cc *registry.ClientConnection, req *executeRequest) {
	identity := operatorFrom(r.Context())
	start := time.Now()

	ch, err := s.orch.Dispatch(cc, orchestrator.Request{
		ExecutionID: req.ExecutionID,
		ToolName:    req.ToolName,
		Parameters:  req.Parameters,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		SecurityContext: &protocol.SecurityContext{
			UserID:        identity.UserID,
			Authenticated: true,
			Permissions:   identity.Permissions,
		},
	})
	if err != nil {
		writeExecutionError(w, err)
		return
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			writeExecutionError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, executeResponse{
			ExecutionID: res.ExecutionID,
			ClientID:    cc.ID,
			Output:      res.Output,
			DurationMs:  time.Since(start).Milliseconds(),
		})
	case <-r.Context().Done():
		s.logger.Debug("caller went away before execution finished", "client_id", cc.ID, "tool", req.ToolName)
	}
}

func writeExecutionError(w http.ResponseWriter, err error) {
	var ee *orchestrator.ExecutionError
	if !errors.As(err, &ee) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusBadGateway
	switch ee.Kind {
	case orchestrator.KindExecution:
		status = http.StatusUnprocessableEntity
	case orchestrator.KindTimeout:
		status = http.StatusGatewayTimeout
	case orchestrator.KindPermission:
		status = http.StatusForbidden
	case orchestrator.KindDuplicate:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"error":        ee.Error(),
		"kind":         ee.Kind,
		"execution_id": ee.ExecutionID,
		"recoverable":  ee.Recoverable,
	})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()
	execs, err := s.store.ListExecutions(r.Context(), store.ExecutionFilter{
		ClientID: q.Get("client_id"),
		ToolName: q.Get("tool"),
		Outcome:  q.Get("outcome"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list executions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if execs == nil {
		execs = []store.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// --- Audit ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:   q.Get("action"),
		ClientID: q.Get("client_id"),
		UserID:   q.Get("user_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// pagination reads limit (default 50, max 500) and offset.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
