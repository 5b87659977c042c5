// ABOUTME: Webhook router resolving /webhook/{tenantId} to that tenant's live session
// ABOUTME: Fails closed: unknown tenants, polling tenants and legacy paths are rejected

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/tally-gateway/internal/dedupe"
	"github.com/2389/tally-gateway/internal/messaging"
	"github.com/2389/tally-gateway/internal/metrics"
	"github.com/2389/tally-gateway/internal/session"
	"github.com/2389/tally-gateway/internal/tenant"
)

// PathPrefix is the only accepted webhook path prefix. The tenant id follows it.
const PathPrefix = "/webhook/"

// SecretHeader carries the secret token the platform echoes on every delivery.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Router errors
var (
	// ErrTenantNotConfigured means the path names no live webhook-mode session.
	ErrTenantNotConfigured = errors.New("tenant not configured for webhooks")

	// ErrMalformedPayload means the body is not a platform update.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrBadSecret means the secret token header did not match the tenant's secret.
	ErrBadSecret = errors.New("webhook secret mismatch")

	// ErrUnavailable means the session is shutting down; the platform should redeliver.
	ErrUnavailable = errors.New("session unavailable")
)

// SessionLookup resolves a tenant to its live session.
type SessionLookup interface {
	Lookup(t tenant.ID) (*session.Session, error)
}

// Options configures a Router.
type Options struct {
	// Seen drops platform redeliveries; nil disables de-duplication.
	Seen    *dedupe.Cache[dedupe.UpdateKey]
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// MaxBodyBytes bounds request bodies in the HTTP handler. Default 1 MiB.
	MaxBodyBytes int64
}

// Router routes webhook deliveries to tenant sessions.
type Router struct {
	sessions SessionLookup
	seen     *dedupe.Cache[dedupe.UpdateKey]
	metrics  *metrics.Metrics
	logger   *slog.Logger
	maxBody  int64
}

// NewRouter creates a Router backed by sessions.
func NewRouter(sessions SessionLookup, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Router{
		sessions: sessions,
		seen:     opts.Seen,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "webhook"),
		maxBody:  maxBody,
	}
}

// TenantFromPath extracts the tenant id from a webhook path. The id comes
// from the path alone; nothing in the payload can influence it.
func TenantFromPath(path string) (tenant.ID, error) {
	rest, ok := strings.CutPrefix(path, PathPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", fmt.Errorf("%w: no tenant in path %q", ErrTenantNotConfigured, path)
	}
	id, err := tenant.ParseID(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTenantNotConfigured, err)
	}
	return id, nil
}

// Route delivers payload to the session named by path. secretToken is the
// value of SecretHeader and is checked when the tenant registered a secret.
// Updates of kinds the bot does not handle are accepted and dropped.
func (r *Router) Route(ctx context.Context, path string, payload []byte, secretToken string) error {
	t, err := TenantFromPath(path)
	if err != nil {
		return err
	}

	sess, err := r.sessions.Lookup(t)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTenantNotConfigured, t)
	}
	if sess.Mode() != tenant.ModeWebhook {
		return fmt.Errorf("%w: %s is in %s mode", ErrTenantNotConfigured, t, sess.Mode())
	}
	if sess.Status() == session.StatusStopped {
		return fmt.Errorf("%w: %s is stopped", ErrTenantNotConfigured, t)
	}
	if !sess.VerifyWebhookSecret(secretToken) {
		return fmt.Errorf("%w: %s", ErrBadSecret, t)
	}

	ev, ok, err := messaging.ParseUpdate(t, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !ok {
		return nil
	}

	key := dedupe.UpdateKey{Tenant: t, UpdateID: ev.UpdateID}
	if r.seen != nil && r.seen.CheckAndMark(key) {
		r.metrics.Duplicate()
		r.logger.Debug("dropping redelivered update", "tenant_id", t, "update_id", ev.UpdateID)
		return nil
	}

	if err := sess.Deliver(ctx, ev); err != nil {
		if r.seen != nil {
			// Let the platform's retry through.
			r.seen.Forget(key)
		}
		if errors.Is(err, session.ErrStopped) {
			return fmt.Errorf("%w: %s", ErrUnavailable, t)
		}
		return fmt.Errorf("delivering to %s: %w", t, err)
	}
	return nil
}
