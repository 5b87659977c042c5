// ABOUTME: Tenant session: one running bot bound to exactly one tenant's credential
// ABOUTME: Owns the platform client, per-user dispatch lanes and lifecycle status

package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/tally-gateway/internal/convstate"
	"github.com/2389/tally-gateway/internal/dedupe"
	"github.com/2389/tally-gateway/internal/extract"
	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/messaging"
	"github.com/2389/tally-gateway/internal/metrics"
	"github.com/2389/tally-gateway/internal/tenant"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

var (
	// ErrTenantMismatch is a security violation: an event for one tenant reached another's session.
	ErrTenantMismatch = errors.New("event addressed to another tenant")

	// ErrStopped is returned for events delivered after Stop began.
	ErrStopped = errors.New("session stopped")

	// ErrExternalServiceTimeout means a record store or extraction call exceeded the
	// completion timeout. The conversation step is left as it was.
	ErrExternalServiceTimeout = errors.New("external service timed out")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session already started")
)

// RecordStore is the durable storage a completed flow writes to.
// Implementations must scope every row by tenant.
type RecordStore interface {
	CreateTransaction(ctx context.Context, t tenant.ID, rec flow.Record) (string, error)
	CreateCategory(ctx context.Context, t tenant.ID, cat flow.CategoryRecord) (string, error)
	ListCategories(ctx context.Context, t tenant.ID, typ string) ([]string, error)
}

// FailureFunc is told once when a session gives up on its transport.
type FailureFunc func(t tenant.ID, err error)

// Config wires a session to its collaborators. Credential, Clients, States and
// Records are required.
type Config struct {
	Credential tenant.Credential
	Clients    messaging.Factory
	States     convstate.Store
	Records    RecordStore
	// Extractor reads receipt photos; nil disables the receipt flow.
	Extractor extract.Extractor
	// Seen drops redelivered updates; nil disables de-duplication.
	Seen *dedupe.Cache[dedupe.UpdateKey]
	// PublicURL is the externally reachable base URL used for webhook registration.
	PublicURL string

	PollWait             time.Duration
	CompletionTimeout    time.Duration
	MaxTransportFailures int
	RetryBackoff         time.Duration
	MaxInvalidInputs     int
	LaneBuffer           int
	LaneIdle             time.Duration
	// RestartCount is how many automatic restarts preceded this session.
	RestartCount int

	OnFailure FailureFunc
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.PollWait <= 0 {
		c.PollWait = 30 * time.Second
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 10 * time.Second
	}
	if c.MaxTransportFailures <= 0 {
		c.MaxTransportFailures = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxInvalidInputs <= 0 {
		c.MaxInvalidInputs = 3
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 32
	}
	if c.LaneIdle <= 0 {
		c.LaneIdle = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session services one tenant's bot traffic.
type Session struct {
	cfg      Config
	tenantID tenant.ID
	mode     tenant.DispatchMode
	states   convstate.Scope
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// ctx bounds everything the session does. Kill cancels it immediately,
	// Stop cancels it once in-flight work has drained.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	client     messaging.Client
	lanes      map[tenant.UserID]*lane
	stopping   bool
	lastErr    error
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	draining  chan struct{}
	drainOnce sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once
	lanesWG   sync.WaitGroup
	failOnce  sync.Once

	transportFailures atomic.Int32
	lastActivity      atomic.Int64
	startedAt         time.Time
}

// New validates cfg and returns a session in StatusStarting. Nothing runs until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Credential.TenantID == "" {
		return nil, fmt.Errorf("session config: %w", tenant.ErrInvalidID)
	}
	if cfg.Clients == nil || cfg.States == nil || cfg.Records == nil {
		return nil, errors.New("session config: client factory, state store and record store are required")
	}
	cfg.applyDefaults()

	mode := cfg.Credential.Mode
	if mode == "" {
		mode = tenant.ModePolling
	}
	if mode == tenant.ModeWebhook && cfg.PublicURL == "" {
		return nil, errors.New("session config: webhook mode requires a public URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		tenantID: cfg.Credential.TenantID,
		mode:     mode,
		states:   convstate.NewScope(cfg.States, cfg.Credential.TenantID),
		logger:   cfg.Logger.With("tenant_id", cfg.Credential.TenantID),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusStarting,
		lanes:    make(map[tenant.UserID]*lane),
		draining: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.touch()
	return s, nil
}

// TenantID returns the tenant this session serves.
func (s *Session) TenantID() tenant.ID { return s.tenantID }

// Mode returns how updates reach this session.
func (s *Session) Mode() tenant.DispatchMode { return s.mode }

// RestartCount is the number of automatic restarts before this session was created.
func (s *Session) RestartCount() int { return s.cfg.RestartCount }

// StartedAt is when Start succeeded, or zero.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure that degraded the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastActivity is the time of the last processed event or successful start.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.stopped }

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// WebhookURL is the URL registered with the platform in webhook mode.
func (s *Session) WebhookURL() string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/webhook/" + string(s.tenantID)
}

// VerifyWebhookSecret reports whether token matches the secret registered with
// the platform. Tenants without a secret accept any token.
func (s *Session) VerifyWebhookSecret(token string) bool {
	want := s.cfg.Credential.WebhookSecret
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// Start connects to the platform and begins receiving. In polling mode it verifies
// the token, removes any stale webhook and returns once the first poll is issued.
// In webhook mode it returns once the platform accepted the webhook registration.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.client != nil || s.status != StatusStarting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	client, err := s.cfg.Clients(ctx, s.cfg.Credential)
	if err != nil {
		return fmt.Errorf("connecting bot: %w", err)
	}

	switch s.mode {
	case tenant.ModeWebhook:
		if err := client.SetWebhook(ctx, s.WebhookURL(), s.cfg.Credential.WebhookSecret); err != nil {
			_ = client.Close()
			return fmt.Errorf("registering webhook: %w", err)
		}
	default:
		info, err := client.GetMe(ctx)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("verifying bot token: %w", err)
		}
		// getUpdates is refused while a webhook is set.
		if err := client.DeleteWebhook(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("removing stale webhook: %w", err)
		}
		s.logger.Debug("bot verified", "bot", info.Username)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = client.Close()
		return ErrStopped
	}
	s.client = client
	s.status = StatusRunning
	s.startedAt = time.Now()
	var ready chan struct{}
	if s.mode == tenant.ModePolling {
		pollCtx, cancel := context.WithCancel(s.ctx)
		s.pollCancel = cancel
		s.pollDone = make(chan struct{})
		ready = make(chan struct{})
		go s.poll(pollCtx, client, ready)
	}
	s.mu.Unlock()

	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.touch()
	s.logger.Info("session running", "mode", s.mode, "restarts", s.cfg.RestartCount)
	return nil
}

// Deliver hands an event to the session. Events for another tenant are refused
// with ErrTenantMismatch and touch no state.
func (s *Session) Deliver(ctx context.Context, ev messaging.InboundEvent) error {
	if ev.TenantID != s.tenantID {
		s.metrics.TenantMismatch()
		s.logger.Error("rejected event for another tenant",
			"event_tenant_id", ev.TenantID,
			"user_id", ev.UserID,
			"update_id", ev.UpdateID,
		)
		return fmt.Errorf("%w: event for %q delivered to %q", ErrTenantMismatch, ev.TenantID, s.tenantID)
	}
	return s.enqueue(ctx, ev)
}

// Stop stops accepting events, lets in-flight events finish, deregisters the
// webhook and releases the client. If ctx ends first, Stop returns ctx.Err()
// and the session keeps draining; call Kill to abandon it.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	pollCancel, pollDone, client := s.pollCancel, s.pollDone, s.client
	s.mu.Unlock()
	s.drainOnce.Do(func() { close(s.draining) })

	if pollCancel != nil {
		pollCancel()
		select {
		case <-pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	lanesDone := make(chan struct{})
	go func() {
		s.lanesWG.Wait()
		close(lanesDone)
	}()
	select {
	case <-lanesDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if client != nil && s.mode == tenant.ModeWebhook {
		if err := client.DeleteWebhook(ctx); err != nil {
			s.logger.Warn("failed to deregister webhook", "error", err)
		}
	}

	s.finish()
	s.logger.Info("session stopped")
	return nil
}

// Kill abandons the session at once: in-flight events see a cancelled context
// and their goroutines exit without further replies.
func (s *Session) Kill() {
	s.mu.Lock()
	s.stopping = true
	already := s.status == StatusStopped
	s.mu.Unlock()
	s.drainOnce.Do(func() { close(s.draining) })
	s.cancel()
	s.finish()
	if !already {
		s.logger.Warn("session killed")
	}
}

func (s *Session) finish() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusStopped
		client := s.client
		s.mu.Unlock()

		if client != nil {
			_ = client.Close()
		}
		s.cancel()
		close(s.stopped)
	})
}

// degrade marks the session unhealthy and reports upward once.
func (s *Session) degrade(err error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.status = StatusDegraded
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Error("session degraded", "error", err)
	s.failOnce.Do(func() {
		if s.cfg.OnFailure != nil {
			// The callback usually stops this session, which waits on the
			// goroutine calling degrade, so it must not run inline.
			go s.cfg.OnFailure(s.tenantID, err)
		}
	})
}

// noteTransportFailure counts a platform failure and degrades the session when
// the budget is spent or the token was revoked. It returns true when degraded.
func (s *Session) noteTransportFailure(err error) (degraded bool, attempt int) {
	s.metrics.TransportError()
	n := int(s.transportFailures.Add(1))
	if errors.Is(err, messaging.ErrUnauthorized) || n >= s.cfg.MaxTransportFailures {
		s.degrade(err)
		return true, n
	}
	return false, n
}

func (s *Session) noteTransportOK() {
	s.transportFailures.Store(0)
}

// currentClient returns the client, or nil before Start.
func (s *Session) currentClient() messaging.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
