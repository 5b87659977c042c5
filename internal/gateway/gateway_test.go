// ABOUTME: Tests for Gateway construction, boot of configured tenants and shutdown
// ABOUTME: Runs the real HTTP server on a free port with fake bot clients

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tally-gateway/internal/config"
	"github.com/2389/tally-gateway/internal/convstate"
	"github.com/2389/tally-gateway/internal/messaging"
	"github.com/2389/tally-gateway/internal/metrics"
	"github.com/2389/tally-gateway/internal/orchestrator"
	"github.com/2389/tally-gateway/internal/store"
	"github.com/2389/tally-gateway/internal/tenant"
)

const testJWTSecret = "test-secret-that-is-at-least-32-bytes-long"

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to find available HTTP port")
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:        httpAddr,
			PublicURL:       "https://bots.example.com",
			MaxWebhookBytes: 1 << 20,
		},
		Database: config.DatabaseConfig{
			Path:          filepath.Join(t.TempDir(), "tally.db"),
			EncryptionKey: "test-encryption-key",
		},
		Auth: config.AuthConfig{JWTSecret: testJWTSecret},
		Telegram: config.TelegramConfig{
			PollWait:    20 * time.Millisecond,
			HTTPTimeout: time.Second,
		},
		Sessions: config.SessionsConfig{
			StopGrace:  time.Second,
			DedupeTTL:  time.Minute,
			DedupeSize: 1000,
		},
		State: config.StateConfig{
			Backend:       config.StateMemory,
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBots hands out a FakeClient per activation and keeps the latest per tenant.
type fakeBots struct {
	mu      sync.Mutex
	clients map[tenant.ID]*messaging.FakeClient
	calls   int
	// prepare scripts each client before the session sees it.
	prepare func(c *messaging.FakeClient)
}

func newFakeBots() *fakeBots {
	return &fakeBots{clients: make(map[tenant.ID]*messaging.FakeClient)}
}

func (b *fakeBots) factory() messaging.Factory {
	return messaging.FakeFactory(func(cred tenant.Credential) (*messaging.FakeClient, error) {
		c := messaging.NewFakeClient()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.prepare != nil {
			b.prepare(c)
		}
		b.clients[cred.TenantID] = c
		b.calls++
		return c, nil
	})
}

func (b *fakeBots) client(t tenant.ID) *messaging.FakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[t]
}

func (b *fakeBots) activations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testDeps(bots *fakeBots) Deps {
	return Deps{
		Store:   store.NewMockStore(),
		States:  convstate.NewMemoryStore(10 * time.Minute),
		Clients: bots.factory(),
		Metrics: metrics.New(),
	}
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	bots := newFakeBots()

	gw, err := NewWithDeps(context.Background(), cfg, testLogger(), testDeps(bots))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.sessions)
	assert.NotNil(t, gw.webhooks)
	assert.NotNil(t, gw.verifier, "verifier is built when a JWT secret is set")
	assert.NotNil(t, gw.httpServer)
	assert.Same(t, gw.sessions, gw.Orchestrator())
}

func TestGatewayNew_DefaultStores(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	_, isSQLite := gw.store.(*store.SQLiteStore)
	assert.True(t, isSQLite)
	_, isMemory := gw.states.(*convstate.MemoryStore)
	assert.True(t, isMemory)
}

func TestGatewayNew_NoJWTSecretDisablesAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""

	gw, err := NewWithDeps(context.Background(), cfg, testLogger(), testDeps(newFakeBots()))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	// Must be a true nil interface so the middleware treats auth as off.
	assert.Nil(t, gw.verifier)
}

func TestGatewayNew_Errors(t *testing.T) {
	t.Run("weak jwt secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.JWTSecret = "short"
		_, err := NewWithDeps(context.Background(), cfg, testLogger(), testDeps(newFakeBots()))
		assert.Error(t, err)
	})

	t.Run("missing encryption key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database.EncryptionKey = ""
		_, err := New(context.Background(), cfg, testLogger())
		assert.ErrorIs(t, err, store.ErrNoEncryptionKey)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.State.Backend = config.StateRedis
		cfg.State.Redis.Addr = "127.0.0.1:1"
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := NewWithDeps(ctx, cfg, testLogger(), Deps{Store: store.NewMockStore()})
		assert.Error(t, err)
	})
}

func TestGatewayRun_BootsConfiguredTenants(t *testing.T) {
	cfg := testConfig(t)
	bots := newFakeBots()
	deps := testDeps(bots)

	ctx := context.Background()
	require.NoError(t, deps.Store.PutCredential(ctx, tenant.Credential{TenantID: "t1", BotToken: "tok-1"}))
	require.NoError(t, deps.Store.PutCredential(ctx, tenant.Credential{
		TenantID: "t2", BotToken: "tok-2", Mode: tenant.ModeWebhook, WebhookSecret: "s",
	}))

	gw, err := NewWithDeps(ctx, cfg, testLogger(), deps)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- gw.Run(runCtx) }()

	base := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "server never became healthy")

	require.Eventually(t, func() bool {
		st := gw.Orchestrator().Stats()
		return st.Active == 2
	}, 5*time.Second, 20*time.Millisecond, "tenants were not started")

	url, secret := bots.client("t2").Webhook()
	assert.Equal(t, "https://bots.example.com/webhook/t2", url)
	assert.Equal(t, "s", secret)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.True(t, bots.client("t1").Closed())
	assert.True(t, bots.client("t2").Closed())
	assert.Zero(t, gw.Orchestrator().Stats().Active)
}

func TestGatewayShutdown_RejectsNewActivations(t *testing.T) {
	cfg := testConfig(t)
	bots := newFakeBots()
	deps := testDeps(bots)
	ctx := context.Background()
	require.NoError(t, deps.Store.PutCredential(ctx, tenant.Credential{TenantID: "t1", BotToken: "tok-1"}))

	gw, err := NewWithDeps(ctx, cfg, testLogger(), deps)
	require.NoError(t, err)
	require.NoError(t, gw.Shutdown(ctx))

	_, err = gw.Orchestrator().Activate(ctx, "t1")
	assert.ErrorIs(t, err, orchestrator.ErrClosed)
	assert.Zero(t, bots.activations())
}

func TestResolveTailscaleStateDir(t *testing.T) {
	got, err := resolveTailscaleStateDir("/var/lib/tally/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tally/ts", got)

	got, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, got, filepath.Join("tally-gateway", "tailscale"))
}

func TestAppendCloseError(t *testing.T) {
	var errs []error
	errs = appendCloseError(errs, "a", nil)
	assert.Empty(t, errs)
	errs = appendCloseError(errs, "b", io.EOF)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], io.EOF)
	assert.Contains(t, errs[0].Error(), "b")
}
