// ABOUTME: Gateway assembles the HTTP surface and supervises its lifecycle
// ABOUTME: Routes mount under the configured base URL; shutdown drains in-flight work

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gmkit/gm-gateway/internal/agent"
	"github.com/gmkit/gm-gateway/internal/config"
	"github.com/gmkit/gm-gateway/internal/dispatch"
	"github.com/gmkit/gm-gateway/internal/session"
	"github.com/gmkit/gm-gateway/internal/store"
	"github.com/gmkit/gm-gateway/internal/synchub"
)

// shutdownTimeout bounds the drain on Shutdown.
const shutdownTimeout = 10 * time.Second

// Gateway is the HTTP front of the session/message core.
type Gateway struct {
	cfg        *config.Config
	store      store.Store
	agents     *agent.Manager
	registry   *session.Registry
	hub        *synchub.Hub
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	server *http.Server
}

// New wires a Gateway from its collaborators.
func New(cfg *config.Config, st store.Store, agents *agent.Manager, registry *session.Registry, hub *synchub.Hub, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:        cfg,
		store:      st,
		agents:     agents,
		registry:   registry,
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.With("component", "gateway"),
	}
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// routes builds the mux. API routes mount under the base URL; health
// endpoints stay at the root so probes don't depend on deployment prefix.
func (g *Gateway) routes() *http.ServeMux {
	base := strings.TrimRight(g.cfg.Server.BaseURL, "/")

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST "+base+"/api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET "+base+"/api/conversations", g.handleListConversations)
	mux.HandleFunc("GET "+base+"/api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("POST "+base+"/api/conversations/{id}", g.handleUpdateConversation)
	mux.HandleFunc("GET "+base+"/api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST "+base+"/api/conversations/{id}/messages", g.handleDispatchMessage)
	mux.HandleFunc("GET "+base+"/api/conversations/{id}/sessions/latest", g.handleLatestSession)
	mux.HandleFunc("GET "+base+"/api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("GET "+base+"/api/diagnostics/sessions", g.handleDiagnostics)
	mux.HandleFunc("GET "+base+"/ws", g.handleStream)

	return mux
}

// Run serves until ctx is cancelled or the listener fails. A clean
// shutdown returns nil.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("http server listening",
			"addr", g.server.Addr,
			"base_url", g.cfg.Server.BaseURL)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		return g.Shutdown()
	})

	return eg.Wait()
}

// Shutdown drains the HTTP server, then stops the dispatcher, hub, and
// registry in dependency order.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := g.server.Shutdown(ctx)

	g.dispatcher.Close()
	g.hub.Close()
	g.registry.Close()

	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}
