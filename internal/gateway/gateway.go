// ABOUTME: Gateway wiring the HTTP server, tenant orchestrator, stores and webhook router
// ABOUTME: Manages listeners (TCP or tailnet), session boot and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tally-gateway/internal/auth"
	"github.com/2389/tally-gateway/internal/config"
	"github.com/2389/tally-gateway/internal/convstate"
	"github.com/2389/tally-gateway/internal/dedupe"
	"github.com/2389/tally-gateway/internal/extract"
	"github.com/2389/tally-gateway/internal/messaging"
	"github.com/2389/tally-gateway/internal/metrics"
	"github.com/2389/tally-gateway/internal/orchestrator"
	"github.com/2389/tally-gateway/internal/session"
	"github.com/2389/tally-gateway/internal/store"
	"github.com/2389/tally-gateway/internal/tenant"
	"github.com/2389/tally-gateway/internal/webhook"
)

// Gateway serves the management API, webhook ingress, health and metrics, and
// owns every tenant session through the orchestrator.
type Gateway struct {
	config      *config.Config
	store       store.Store
	states      convstate.Store
	seen        *dedupe.Cache[dedupe.UpdateKey]
	sessions    *orchestrator.Orchestrator
	webhooks    *webhook.Router
	metrics     *metrics.Metrics
	verifier    auth.TokenVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// Deps overrides collaborators New would otherwise build from config.
// Tests use it to run the gateway without Telegram, SQLite or Redis.
type Deps struct {
	Store   store.Store
	States  convstate.Store
	Clients messaging.Factory
	// Extractors replaces the OpenAI extractor factory. Only consulted when
	// extraction is enabled in the config.
	Extractors orchestrator.ExtractorFactory
	Metrics    *metrics.Metrics
}

// New creates a Gateway from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(ctx, cfg, logger, Deps{})
}

// NewWithDeps creates a Gateway, using any collaborator set in deps instead of
// building it from cfg.
func NewWithDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps Deps) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := deps.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	states := deps.States
	if states == nil {
		var err error
		if states, err = initStateStore(ctx, cfg); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	clients := deps.Clients
	if clients == nil {
		clients = messaging.TelegramFactory(messaging.TelegramOptions{
			Endpoint:     cfg.Telegram.APIEndpoint,
			HTTPTimeout:  cfg.Telegram.HTTPTimeout,
			MaxFileBytes: cfg.Telegram.MaxFileBytes,
			Logger:       logger,
		})
	}

	var extractors orchestrator.ExtractorFactory
	if cfg.Extraction.Enabled {
		extractors = deps.Extractors
		if extractors == nil {
			extractors = openAIExtractors(cfg.Extraction)
		}
	}

	m := deps.Metrics
	if m == nil && cfg.Metrics.Enabled {
		m = metrics.New()
	}

	seen := dedupe.NewUpdates(cfg.Sessions.DedupeTTL, cfg.Sessions.DedupeSize)

	orch, err := orchestrator.New(orchestrator.Config{
		Credentials: s,
		Session: session.Config{
			Clients:              clients,
			States:               states,
			Records:              s,
			Seen:                 seen,
			PublicURL:            cfg.Server.PublicURL,
			PollWait:             cfg.Telegram.PollWait,
			CompletionTimeout:    cfg.Sessions.CompletionTimeout,
			MaxTransportFailures: cfg.Sessions.MaxTransportFailures,
			MaxInvalidInputs:     cfg.Sessions.MaxInvalidInputs,
		},
		Extractors:  extractors,
		StopGrace:   cfg.Sessions.StopGrace,
		RestartBase: cfg.Sessions.RestartBase,
		RestartCap:  cfg.Sessions.RestartCap,
		MaxRestarts: cfg.Sessions.MaxRestarts,
		StableAfter: cfg.Sessions.StableAfter,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		seen.Close()
		_ = s.Close()
		return nil, err
	}

	// A nil *JWTVerifier inside the interface would not read as "auth off".
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			seen.Close()
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth.jwt_secret not set: management API is unauthenticated")
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		states:   states,
		seen:     seen,
		sessions: orch,
		webhooks: webhook.NewRouter(orch, webhook.Options{
			Seen:         seen,
			Metrics:      m,
			Logger:       logger,
			MaxBodyBytes: cfg.Server.MaxWebhookBytes,
		}),
		metrics:   m,
		verifier:  verifier,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// initStore opens the SQLite store with credential encryption.
func initStore(cfg *config.Config) (store.Store, error) {
	sealer, err := store.NewSealer(cfg.Database.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, sealer)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initStateStore builds the conversation state backend named in the config.
func initStateStore(ctx context.Context, cfg *config.Config) (convstate.Store, error) {
	switch cfg.State.Backend {
	case config.StateRedis:
		rs, err := convstate.NewRedisStore(ctx, convstate.RedisOptions{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Prefix:   cfg.State.Redis.Prefix,
			TTL:      cfg.State.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing state store: %w", err)
		}
		return rs, nil
	default:
		return convstate.NewMemoryStore(cfg.State.TTL), nil
	}
}

// openAIExtractors builds a per-tenant extractor from the tenant's own API key.
func openAIExtractors(cfg config.ExtractionConfig) orchestrator.ExtractorFactory {
	return func(cred tenant.Credential) extract.Extractor {
		return extract.NewOpenAI(extract.Options{
			APIKey:     cred.AIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			MaxRetries: cfg.MaxRetries,
		})
	}
}

// Orchestrator exposes the session registry, mainly for tests and tooling.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.sessions
}

// Run starts the HTTP server, boots every configured tenant and blocks until
// ctx is canceled or the server fails. Sessions are drained before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go convstate.RunSweeper(sweepCtx, g.states, g.config.State.SweepInterval, g.logger, g.metrics.Expired)

	started, err := g.sessions.StartAll(ctx)
	if err != nil {
		g.logger.Warn("some tenants failed to start", "started", started, "error", err)
	}
	g.logger.Info("=== GATEWAY READY ===", "sessions", started)

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
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tally-gateway", "tailscale"), nil
}

// setupTailscaleListener brings up a tsnet node and listens on it. With
// Funnel enabled the listener is public, which is what lets the platform
// reach webhook endpoints without a separate ingress.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	if tsCfg.AuthKey == "" {
		return nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status and warns when
// Funnel is on but webhooks would register under a different host.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if g.config.Tailscale.Funnel && dnsName != "" && !strings.Contains(g.config.Server.PublicURL, dnsName) {
		g.logger.Warn("server.public_url does not point at the funnel host; webhooks may not arrive",
			"public_url", g.config.Server.PublicURL, "funnel_url", "https://"+dnsName)
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, drains every session and releases
// resources. Conversation states are kept for the next start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sessions.StopAll(ctx)

	if closer, ok := g.states.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "state store close", closer.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.seen.Close()

	return errors.Join(errs...)
}
