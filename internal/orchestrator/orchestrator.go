// ABOUTME: Registry of tenant sessions with activation, lookup and crash recovery
// ABOUTME: Guarantees at most one live session per tenant and isolates tenant failures

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/tally-gateway/internal/extract"
	"github.com/2389/tally-gateway/internal/metrics"
	"github.com/2389/tally-gateway/internal/session"
	"github.com/2389/tally-gateway/internal/tenant"
)

var (
	// ErrCredentialNotFound means the tenant has no bot configured.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialIncomplete means required configuration such as the bot token
	// or the AI key is missing. Retrying will not help until an operator fixes it.
	ErrCredentialIncomplete = errors.New("credential incomplete")

	// ErrNotFound is returned by Lookup when the tenant has no session.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned once StopAll has begun.
	ErrClosed = errors.New("orchestrator closed")
)

// CredentialSource is the authoritative store of tenant credentials.
// GetCredential returns an error wrapping tenant.ErrNoCredential when the
// tenant has no bot.
type CredentialSource interface {
	GetCredential(ctx context.Context, t tenant.ID) (tenant.Credential, error)
	ListTenants(ctx context.Context) ([]tenant.ID, error)
}

// ExtractorFactory builds the receipt extractor for one tenant's credential.
type ExtractorFactory func(cred tenant.Credential) extract.Extractor

// Config configures an Orchestrator.
type Config struct {
	Credentials CredentialSource

	// Session is the template every session is built from. Credential,
	// Extractor, RestartCount and OnFailure are filled in per activation.
	Session session.Config

	// Extractors enables the receipt flow. When set, a credential without an
	// AI key is incomplete.
	Extractors ExtractorFactory

	StopGrace       time.Duration // wait for Stop before Kill; default 5s
	ActivateTimeout time.Duration // bound on automatic re-activation; default 30s
	RestartBase     time.Duration // default 1s
	RestartCap      time.Duration // default 5m
	MaxRestarts     int           // default 10
	// StableAfter is how long a session must run before a failure no longer
	// counts against the restart budget. Default 5m.
	StableAfter time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.ActivateTimeout <= 0 {
		c.ActivateTimeout = 30 * time.Second
	}
	if c.RestartBase <= 0 {
		c.RestartBase = time.Second
	}
	if c.RestartCap <= 0 {
		c.RestartCap = 5 * time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type registry map[tenant.ID]*session.Session

// tenantState is the per-tenant bookkeeping. mu serializes activation,
// deactivation and restarts of one tenant.
type tenantState struct {
	mu         sync.Mutex
	restarts   int
	generation uint64
	timer      *time.Timer
	mode       tenant.DispatchMode
	// exhausted is read without mu by Status and Stats.
	exhausted atomic.Bool
}

// Orchestrator owns the tenant-id to session registry.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// sessions is replaced wholesale under mu; readers load it without locking.
	sessions atomic.Pointer[registry]
	mu       sync.Mutex

	tenantsMu sync.Mutex
	tenants   map[tenant.ID]*tenantState

	closed atomic.Bool
	jitter func() float64
}

// New creates an Orchestrator with an empty registry.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("orchestrator config: credential source is required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "orchestrator"),
		metrics: cfg.Metrics,
		tenants: make(map[tenant.ID]*tenantState),
		jitter:  defaultJitter,
	}
	empty := registry{}
	o.sessions.Store(&empty)
	return o, nil
}

// Lookup returns the live session for t. It never blocks on activation.
func (o *Orchestrator) Lookup(t tenant.ID) (*session.Session, error) {
	if s, ok := (*o.sessions.Load())[t]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// Status reports a tenant's session status. Tenants whose restart budget is
// exhausted report StatusStopped even though no session is registered.
func (o *Orchestrator) Status(t tenant.ID) (session.Status, error) {
	if s, err := o.Lookup(t); err == nil {
		return s.Status(), nil
	}
	if ts := o.peekTenant(t); ts != nil && ts.exhausted.Load() {
		return session.StatusStopped, nil
	}
	return "", ErrNotFound
}

func (o *Orchestrator) tenant(t tenant.ID) *tenantState {
	o.tenantsMu.Lock()
	defer o.tenantsMu.Unlock()
	ts, ok := o.tenants[t]
	if !ok {
		ts = &tenantState{}
		o.tenants[t] = ts
	}
	return ts
}

func (o *Orchestrator) peekTenant(t tenant.ID) *tenantState {
	o.tenantsMu.Lock()
	defer o.tenantsMu.Unlock()
	return o.tenants[t]
}

func (o *Orchestrator) publish(t tenant.ID, s *session.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := maps.Clone(*o.sessions.Load())
	next[t] = s
	o.sessions.Store(&next)
	o.updateGauge()
}

// unpublish removes t's entry, but only if it is still s.
func (o *Orchestrator) unpublish(t tenant.ID, s *session.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := *o.sessions.Load()
	if cur[t] != s {
		return
	}
	next := maps.Clone(cur)
	delete(next, t)
	o.sessions.Store(&next)
	o.updateGauge()
}

// Activate loads t's credential and starts a session for it, draining and
// replacing any session already running. Concurrent calls for one tenant are
// serialized, so exactly one session survives.
func (o *Orchestrator) Activate(ctx context.Context, t tenant.ID) (session.Status, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	ts := o.tenant(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// An operator activation starts a fresh restart budget.
	ts.generation++
	ts.stopTimer()
	ts.restarts = 0
	ts.exhausted.Store(false)

	status, err := o.activateLocked(ctx, t, ts)
	if err != nil {
		o.metrics.Activation(activationResult(err))
		return "", err
	}
	o.metrics.Activation("ok")
	return status, nil
}

func activationResult(err error) string {
	switch {
	case errors.Is(err, ErrCredentialNotFound):
		return "not_found"
	case errors.Is(err, ErrCredentialIncomplete):
		return "incomplete"
	default:
		return "error"
	}
}

// activateLocked does the work of Activate. ts.mu must be held.
func (o *Orchestrator) activateLocked(ctx context.Context, t tenant.ID, ts *tenantState) (session.Status, error) {
	cred, err := o.loadCredential(ctx, t)
	if err != nil {
		return "", err
	}

	if old, err := o.Lookup(t); err == nil {
		o.logger.Info("replacing running session", "tenant_id", t)
		o.stopSession(ctx, old)
		o.unpublish(t, old)
	}

	// A mode switch discards in-flight conversations: the old dispatch path
	// is gone and half-finished flows would resume under different delivery.
	if ts.mode != "" && ts.mode != cred.Mode && o.cfg.Session.States != nil {
		n, err := o.cfg.Session.States.ClearTenant(ctx, t)
		if err != nil {
			o.logger.Warn("failed to clear conversations after mode change", "tenant_id", t, "error", err)
		} else {
			o.logger.Info("dispatch mode changed, conversations discarded",
				"tenant_id", t, "from", ts.mode, "to", cred.Mode, "cleared", n)
		}
	}
	ts.mode = cred.Mode

	cfg := o.cfg.Session
	cfg.Credential = cred
	cfg.RestartCount = ts.restarts
	cfg.Metrics = o.metrics
	if cfg.Logger == nil {
		cfg.Logger = o.cfg.Logger
	}
	if o.cfg.Extractors != nil {
		cfg.Extractor = o.cfg.Extractors(cred)
	}

	var sess *session.Session
	cfg.OnFailure = func(_ tenant.ID, err error) { o.handleFailure(t, sess, err) }
	sess, err = session.New(cfg)
	if err != nil {
		return "", fmt.Errorf("creating session for %s: %w", t, err)
	}
	if err := sess.Start(ctx); err != nil {
		sess.Kill()
		o.logger.Warn("session failed to start", "tenant_id", t, "error", err)
		return "", fmt.Errorf("starting session for %s: %w", t, err)
	}
	if o.closed.Load() {
		sess.Kill()
		return "", ErrClosed
	}

	o.publish(t, sess)
	o.logger.Info("=== SESSION ACTIVATED ===",
		"tenant_id", t,
		"mode", cred.Mode,
		"restarts", ts.restarts,
		"total_sessions", len(*o.sessions.Load()),
	)
	return sess.Status(), nil
}

func (o *Orchestrator) loadCredential(ctx context.Context, t tenant.ID) (tenant.Credential, error) {
	cred, err := o.cfg.Credentials.GetCredential(ctx, t)
	if errors.Is(err, tenant.ErrNoCredential) {
		return tenant.Credential{}, fmt.Errorf("%w: tenant %s", ErrCredentialNotFound, t)
	}
	if err != nil {
		return tenant.Credential{}, fmt.Errorf("loading credential for %s: %w", t, err)
	}

	cred.TenantID = t
	if cred.Mode == "" {
		cred.Mode = tenant.ModePolling
	}
	if cred.BotToken == "" {
		return tenant.Credential{}, fmt.Errorf("%w: tenant %s has no bot token", ErrCredentialIncomplete, t)
	}
	if o.cfg.Extractors != nil && cred.AIKey == "" {
		return tenant.Credential{}, fmt.Errorf("%w: tenant %s has no AI key", ErrCredentialIncomplete, t)
	}
	if cred.Mode == tenant.ModeWebhook && o.cfg.Session.PublicURL == "" {
		return tenant.Credential{}, fmt.Errorf("%w: webhook mode needs a public URL", ErrCredentialIncomplete)
	}
	return cred, nil
}

// stopSession drains s for up to the stop grace period, then kills it.
func (o *Orchestrator) stopSession(ctx context.Context, s *session.Session) {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopGrace)
	defer cancel()
	if err := s.Stop(gctx); err != nil {
		o.logger.Warn("session did not stop within grace period, killing",
			"tenant_id", s.TenantID(),
			"grace", o.cfg.StopGrace,
			"error", err,
		)
		s.Kill()
	}
}

// Deactivate stops and removes t's session and discards its conversations.
// Deactivating a tenant without a session is a no-op.
func (o *Orchestrator) Deactivate(ctx context.Context, t tenant.ID) error {
	return o.deactivate(ctx, t, true)
}

func (o *Orchestrator) deactivate(ctx context.Context, t tenant.ID, purge bool) error {
	ts := o.tenant(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.generation++
	ts.stopTimer()
	ts.restarts = 0
	ts.exhausted.Store(false)

	sess, err := o.Lookup(t)
	if err != nil {
		return nil
	}
	o.stopSession(ctx, sess)
	o.unpublish(t, sess)

	if purge && o.cfg.Session.States != nil {
		if _, err := o.cfg.Session.States.ClearTenant(ctx, t); err != nil {
			o.logger.Warn("failed to clear conversations", "tenant_id", t, "error", err)
		}
	}
	o.logger.Info("=== SESSION DEACTIVATED ===",
		"tenant_id", t,
		"total_sessions", len(*o.sessions.Load()),
	)
	return nil
}

// OnSessionFailure reports that t's current session gave up on its transport.
// Sessions created by the orchestrator report on their own; this entry point
// exists for callers that detect failures from outside.
func (o *Orchestrator) OnSessionFailure(t tenant.ID, err error) {
	sess, lerr := o.Lookup(t)
	if lerr != nil {
		return
	}
	o.handleFailure(t, sess, err)
}

// handleFailure schedules a restart of failed, unless it has been replaced meanwhile.
func (o *Orchestrator) handleFailure(t tenant.ID, failed *session.Session, err error) {
	if o.closed.Load() {
		return
	}
	ts := o.tenant(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if cur, lerr := o.Lookup(t); lerr != nil || cur != failed {
		o.logger.Debug("ignoring failure of replaced session", "tenant_id", t, "error", err)
		return
	}
	if started := failed.StartedAt(); !started.IsZero() && time.Since(started) >= o.cfg.StableAfter {
		ts.restarts = 0
	}
	o.scheduleRestartLocked(t, ts, failed, err)
}

// scheduleRestartLocked arms the backoff timer for the next restart attempt,
// or gives up when the budget is spent. ts.mu must be held.
func (o *Orchestrator) scheduleRestartLocked(t tenant.ID, ts *tenantState, failed *session.Session, cause error) {
	if ts.restarts >= o.cfg.MaxRestarts {
		ts.exhausted.Store(true)
		if failed != nil {
			failed.Kill()
		}
		o.metrics.Alert()
		o.logger.Error("ALERT: session restart budget exhausted, tenant stopped",
			"tenant_id", t,
			"restarts", ts.restarts,
			"error", cause,
		)
		o.updateGauge()
		return
	}

	ts.restarts++
	attempt := ts.restarts
	delay := Backoff(o.cfg.RestartBase, o.cfg.RestartCap, attempt, o.jitter())
	gen := ts.generation
	ts.stopTimer()
	ts.timer = time.AfterFunc(delay, func() { o.restart(t, gen, failed) })

	o.logger.Warn("session failed, restart scheduled",
		"tenant_id", t,
		"attempt", attempt,
		"max_restarts", o.cfg.MaxRestarts,
		"delay", delay,
		"error", cause,
	)
}

func (o *Orchestrator) restart(t tenant.ID, gen uint64, failed *session.Session) {
	if o.closed.Load() {
		return
	}
	ts := o.tenant(t)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	// An operator activation or deactivation superseded this restart.
	if ts.generation != gen {
		return
	}
	ts.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ActivateTimeout)
	defer cancel()

	o.metrics.Restart()
	_, err := o.activateLocked(ctx, t, ts)
	if err == nil {
		return
	}

	if failed != nil {
		// activateLocked removes the old session before starting a new one;
		// make sure a failed start leaves nothing behind.
		failed.Kill()
		o.unpublish(t, failed)
	}
	if errors.Is(err, ErrCredentialNotFound) || errors.Is(err, ErrCredentialIncomplete) {
		ts.restarts = o.cfg.MaxRestarts
	}
	o.scheduleRestartLocked(t, ts, nil, err)
}

func (ts *tenantState) stopTimer() {
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
}
