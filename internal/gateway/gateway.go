// ABOUTME: Gateway orchestrator that owns the bus and serves it over HTTP and gRPC
// ABOUTME: Manages listeners (TCP or Tailscale), the session ledger, telemetry, and shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/agentbus/internal/auth"
	"github.com/2389/agentbus/internal/bus"
	"github.com/2389/agentbus/internal/config"
	"github.com/2389/agentbus/internal/dedupe"
	"github.com/2389/agentbus/internal/observability"
	"github.com/2389/agentbus/internal/store"
)

// Gateway serves the message bus to agents over websockets and exposes its
// state over REST and gRPC health.
type Gateway struct {
	config    *config.Config
	bus       *bus.Bus
	store     store.Store
	dedupe    *dedupe.Cache
	telemetry *observability.Provider
	tracer    *observability.ActionTracer
	logger    *slog.Logger

	// verifier is nil in anonymous mode
	verifier *auth.JWTVerifier

	upgrader  websocket.Upgrader
	transport transportOptions

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// serverID identifies this gateway instance in logs
	serverID string
	now      func() time.Time

	// conns tracks live websocket handlers so shutdown can wait for them
	// to unregister before the store closes.
	conns sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	version string
	store   store.Store
}

// WithVersion sets the service version reported in telemetry.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithStore replaces the SQLite ledger, mainly for tests.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// initStore opens the session ledger. AGENTBUS_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTBUS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newVerifier returns the JWT verifier, or nil when no secret is configured.
func newVerifier(cfg *config.Config, logger *slog.Logger) (*auth.JWTVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, agent ids are taken from the URL")
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return verifier, nil
}

// New creates a Gateway from cfg. Sessions left open by a previous run are
// closed with reason "shutdown".
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName:    "agentbus",
		ServiceVersion: o.version,
		MetricsEnabled: cfg.Metrics.Enabled,
		TracingEnabled: cfg.Tracing.Enabled,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	busMetrics, err := observability.NewBusMetrics(telemetry.Meter())
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("creating bus metrics: %w", err)
	}

	s := o.store
	if s == nil {
		s, err = initStore(cfg)
		if err != nil {
			_ = telemetry.Shutdown(ctx)
			return nil, err
		}
	}

	// An explicit agents.dedupe_ttl of 0 disables dedupe; an unset one
	// (configs built in code) gets the default.
	dedupeTTL := cfg.Agents.DedupeTTL
	if dedupeTTL <= 0 && cfg.Agents.DedupeTTLRaw == "" {
		dedupeTTL = config.DefaultDedupeTTL
	}
	var cache *dedupe.Cache
	if dedupeTTL > 0 {
		cache = dedupe.New(dedupeTTL, dedupe.DefaultMaxSize)
	}

	gw := &Gateway{
		config:    cfg,
		bus:       bus.New(logger.With("component", "bus"), bus.WithMetrics(busMetrics)),
		store:     s,
		dedupe:    cache,
		telemetry: telemetry,
		tracer:    observability.NewActionTracer(telemetry.Tracer()),
		verifier:  verifier,
		upgrader:  newUpgrader(cfg.Agents.AllowedOrigins),
		transport: transportOptions{
			WriteTimeout:      cfg.Agents.WriteTimeout,
			HeartbeatInterval: cfg.Agents.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Agents.HeartbeatTimeout,
			MaxMessageBytes:   cfg.Agents.MaxMessageBytes,
		},
		serverID: generateServerID(),
		now:      time.Now,
	}
	gw.logger = logger.With("component", "gateway", "server_id", gw.serverID)
	if cache == nil {
		gw.logger.Info("message dedupe disabled (agents.dedupe_ttl is 0)")
	}

	if n, err := s.CloseOpenSessions(ctx, gw.now().UTC(), store.ReasonShutdown); err != nil {
		gw.logger.Error("closing stale sessions", "error", err)
	} else if n > 0 {
		gw.logger.Info("closed stale sessions from previous run", "count", n)
	}

	gw.grpcServer, gw.health = newGRPCServer(gw.tokens(), telemetry, logger.With("component", "grpc"))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// tokens returns the verifier as an interface, nil in anonymous mode.
func (g *Gateway) tokens() auth.TokenVerifier {
	if g.verifier == nil {
		return nil
	}
	return g.verifier
}

// routes builds the HTTP mux: health, the agent websocket endpoint, the REST
// API behind the auth middleware, and metrics when enabled.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Agent connections authorize themselves against the path agent id
	mux.HandleFunc("GET /ws/agents/{agent_id}", g.handleAgentWS)

	api := auth.HTTPAuthMiddleware(g.tokens(), g.logger)
	mux.Handle("GET /api/agents", api(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/agents/{agent_id}/subscriptions", api(http.HandlerFunc(g.handleAgentSubscriptions)))
	mux.Handle("GET /api/topics/{topic}/subscribers", api(http.HandlerFunc(g.handleTopicSubscribers)))
	mux.Handle("POST /api/topics/{topic}/publish", api(http.HandlerFunc(g.handleAPIPublish)))
	mux.Handle("GET /api/sessions", api(http.HandlerFunc(g.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", api(http.HandlerFunc(g.handleGetSession)))

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = config.DefaultMetricsPath
		}
		mux.Handle("GET "+path, g.telemetry.MetricsHandler())
		g.logger.Info("metrics endpoint enabled", "path", path)
	}
	return mux
}

// Handler returns the HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Bus returns the underlying message bus.
func (g *Gateway) Bus() *bus.Bus {
	return g.bus
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails,
// then shuts everything down. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	setServing(g.health, true)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the Run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// waitForConnections blocks until every websocket handler has unregistered
// or ctx expires.
func (g *Gateway) waitForConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent connections: %w", ctx.Err())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gateway. Health goes NOT_SERVING first, then the HTTP
// listener closes, the bus closes every agent connection, and the gateway
// waits for those handlers to unregister before stopping gRPC, Tailscale,
// the store, the dedupe cache, and telemetry. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "connected_agents", g.bus.AgentCount())

	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.bus.Close()
	errs = appendCloseError(errs, "agent connections", g.waitForConnections(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	errs = appendCloseError(errs, "telemetry shutdown", g.telemetry.Shutdown(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// pinger is implemented by stores that can check their backing database.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 while the bus accepts registrations and the
// session ledger is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.bus.Closed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if p, ok := g.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			g.logger.Warn("readiness: store unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", g.bus.AgentCount())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "agentbus-" + uuid.NewString()[:8]
}
