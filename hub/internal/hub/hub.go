// Package hub ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/toolbridge/hub/internal/agent"
	"github.com/amurg-ai/toolbridge/hub/internal/api"
	"github.com/amurg-ai/toolbridge/hub/internal/auth"
	"github.com/amurg-ai/toolbridge/hub/internal/config"
	"github.com/amurg-ai/toolbridge/hub/internal/orchestrator"
	"github.com/amurg-ai/toolbridge/hub/internal/registry"
	"github.com/amurg-ai/toolbridge/hub/internal/router"
	"github.com/amurg-ai/toolbridge/hub/internal/store"
	"github.com/amurg-ai/toolbridge/hub/internal/validation"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from a finalized configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	provider, _, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	format, err := protocol.ParseFormat(cfg.Clients.Format)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	limits := validation.DefaultLimits()
	limits.MaxCapabilities = cfg.Clients.MaxCapabilities
	limits.MaxMetadataBytes = cfg.Clients.MaxMetadataBytes
	limits.MaxUserAgentLength = cfg.Clients.MaxUserAgentLength
	reg := registry.New(logger, limits)

	var authorizer orchestrator.Authorizer
	if cfg.Auth.EnforcePermissions {
		authorizer = auth.ToolAuthorizer{}
	}
	orch := orchestrator.New(logger, orchestrator.Options{
		DefaultTimeout: cfg.Execution.DefaultTimeout.Duration,
		Authorizer:     authorizer,
		Recorder:       newHistoryRecorder(db, logger),
		Broadcaster:    reg,
	})

	rt := router.New(reg, orch, auth.NewResolver(provider, cfg.Auth), agent.NewEcho(logger), db, logger, router.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		Format:             format,
		MaxMessageBytes:    cfg.Server.MaxMessageBytes,
		ServerCapabilities: cfg.Server.ServerCapabilities,
		MessagesPerSecond:  cfg.Clients.MessagesPerSecond,
		MessageBurst:       cfg.Clients.MessageBurst,
		DedupWindow:        cfg.Clients.DedupWindow,
	})

	h := &Hub{
		cfg:      cfg,
		store:    db,
		registry: reg,
		orch:     orch,
		router:   rt,
		api:      api.NewServer(db, provider, rt, reg, orch, cfg, logger),
		logger:   logger.With("component", "hub"),
	}

	if cfg.Auth.JWTSecret == "" && cfg.Auth.JWKSURL == "" && len(cfg.Auth.APIKeys) == 0 {
		h.logger.Warn("no auth provider configured, every client registers anonymously and the HTTP API is unreachable")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler { return h.api.Handler() }

// Run listens on the configured address and serves until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		_ = h.store.Close()
		return fmt.Errorf("listen %s: %w", h.cfg.Server.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then notifies
// every client, fails pending executions, stops HTTP and closes the store.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	h.api.StartBackgroundTasks(gctx)

	g.Go(func() error {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ServeTLS(ln, h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		h.runRetentionPurger(gctx, time.Hour)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		h.shutdown(srv)
		return nil
	})

	err := g.Wait()
	_ = h.store.Close()
	h.logger.Info("shutdown complete")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Hub) shutdown(srv *http.Server) {
	h.logger.Info("shutting down hub gracefully")

	n := h.router.Shutdown("server shutting down")
	h.orch.Shutdown()
	h.logger.Info("clients notified", "connections", n)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		h.logger.Info("http server stopped gracefully")
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx)
		}
	}
}

func (h *Hub) purge(ctx context.Context) {
	execCutoff := time.Now().Add(-h.cfg.Storage.Retention.Duration)
	if n, err := h.store.PurgeOldExecutions(ctx, execCutoff); err != nil {
		h.logger.Warn("retention purge: executions failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old executions", "count", n)
	}
	auditCutoff := time.Now().Add(-h.cfg.Storage.AuditRetention.Duration)
	if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
