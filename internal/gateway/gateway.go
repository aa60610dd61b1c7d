// ABOUTME: Gateway orchestrator that wires the store, backends, and turn controller
// ABOUTME: Owns the HTTP server lifecycle and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/backend/agentsdk"
	"github.com/2389/loom/internal/backend/claudecli"
	"github.com/2389/loom/internal/backend/research"
	"github.com/2389/loom/internal/config"
	"github.com/2389/loom/internal/orchestrator"
	"github.com/2389/loom/internal/permission"
	"github.com/2389/loom/internal/session"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/ui"
	"github.com/2389/loom/internal/worktree"
)

// Gateway coordinates the loom server components: the store, the session
// registry, the permission gate, the backend adapters, and the turn
// controller, exposed over a single HTTP server.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *session.Registry
	gate        *permission.Gate
	backends    *backend.Router
	binder      *worktree.Binder
	broadcaster *ui.Broadcaster
	controller  *orchestrator.Controller
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LOOM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// registerAdapters builds the backend router from config. The "claude" agent
// type is served by the CLI subprocess or the SDK adapter depending on the
// configured driver; "research" always uses the web-search adapter.
func registerAdapters(cfg *config.Config, logger *slog.Logger) *backend.Router {
	router := backend.NewRouter()

	switch cfg.Backends.Claude.Driver {
	case "sdk":
		router.Register(store.AgentTypeClaude, agentsdk.New(agentsdk.Options{
			APIKey:    cfg.Backends.Anthropic.APIKey,
			Model:     cfg.Backends.Anthropic.Model,
			MaxTokens: cfg.Backends.Anthropic.MaxTokens,
		}, logger))
	default:
		router.Register(store.AgentTypeClaude, claudecli.New(claudecli.Options{
			Binary:         cfg.Backends.Claude.Binary,
			Model:          cfg.Backends.Claude.Model,
			PermissionMode: cfg.Backends.Claude.PermissionMode,
			AllowedTools:   cfg.Backends.Claude.AllowedTools,
		}, logger))
	}

	router.Register(store.AgentTypeResearch, research.New(research.Options{
		APIKey:      cfg.Backends.Anthropic.APIKey,
		Model:       cfg.Backends.Research.Model,
		MaxSearches: cfg.Backends.Research.MaxSearches,
	}, logger))

	return router
}

// registerAPIRoutes registers API routes on the mux with or without auth
// middleware, depending on whether a JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var wrap func(http.Handler) http.Handler
	if g.config.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		wrap = auth.Middleware(verifier)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		wrap = auth.Middleware(nil)
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("/api/conversations", wrap(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/conversations/", wrap(http.HandlerFunc(g.handleConversationRoutes)))
	mux.Handle("/api/permissions/resolve", wrap(http.HandlerFunc(g.handleResolvePermission)))
	mux.Handle("/api/events", wrap(http.HandlerFunc(g.handleAllEvents)))
}

// New creates a Gateway with all components wired from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := ui.NewBroadcaster(logger.With("component", "broadcaster"))

	// Permission requests surface to operator clients through the UI channel.
	notifier := func(req *permission.Request) {
		broadcaster.Publish(&ui.Event{
			ConversationID: req.ConversationID,
			Kind:           ui.KindPermissionRequest,
			Permission: &ui.PermissionPayload{
				RequestID: req.ID,
				ToolName:  req.ToolName,
				InputJSON: req.InputJSON,
				ExpiresAt: req.ExpiresAt.Format(time.RFC3339),
			},
		})
	}
	gate := permission.NewGate(cfg.Permissions.Timeout, notifier, logger.With("component", "gate"))

	registry := session.NewRegistry(cfg.Session.ResumeTokenTTL, logger.With("component", "registry"))
	backends := registerAdapters(cfg, logger)
	binder := worktree.NewBinder(cfg.Worktrees.Enabled, cfg.Worktrees.Dir, logger.With("component", "worktree"))

	controller := orchestrator.NewController(s, registry, gate, backends, binder, broadcaster,
		orchestrator.Options{ResumeTokenTTL: cfg.Session.ResumeTokenTTL},
		logger.With("component", "orchestrator"))

	gw := &Gateway{
		config:      cfg,
		store:       s,
		registry:    registry,
		gate:        gate,
		backends:    backends,
		binder:      binder,
		broadcaster: broadcaster,
		controller:  controller,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.broadcaster.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListConversations(r.Context(), 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d backends)", len(g.backends.Types()))
}
