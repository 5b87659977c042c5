// ABOUTME: HTTP routes for session management, tenant credentials, health and metrics
// ABOUTME: Management routes sit behind JWT auth; webhook ingress is authenticated per tenant

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/tally-gateway/internal/auth"
	"github.com/2389/tally-gateway/internal/orchestrator"
	"github.com/2389/tally-gateway/internal/session"
	"github.com/2389/tally-gateway/internal/store"
	"github.com/2389/tally-gateway/internal/tenant"
	"github.com/2389/tally-gateway/internal/webhook"
)

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	// Webhook ingress. The bare paths are registered so they are answered by
	// the router's fail-closed 403 instead of the mux's 404.
	mux.Handle(webhook.PathPrefix, g.metrics.Middleware("webhook", g.webhooks))
	mux.Handle("/webhook", g.metrics.Middleware("webhook", g.webhooks))

	// Management API - auth required if JWT secret is configured
	authn := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	operator := func(h http.Handler) http.Handler { return authn(auth.RequireOperatorHTTP()(h)) }
	route := func(pattern, name string, h http.HandlerFunc, wrap func(http.Handler) http.Handler) {
		mux.Handle(pattern, g.metrics.Middleware(name, wrap(h)))
	}

	route("GET /sessions/stats", "sessions_stats", g.handleStats, operator)
	route("POST /sessions/{tenantId}/activate", "session_activate", g.handleActivate, authn)
	route("POST /sessions/{tenantId}/deactivate", "session_deactivate", g.handleDeactivate, authn)
	route("GET /sessions/{tenantId}/status", "session_status", g.handleStatus, authn)
	route("PUT /tenants/{tenantId}/credential", "tenant_credential", g.handlePutCredential, authn)
	route("DELETE /tenants/{tenantId}", "tenant_delete", g.handleDeleteTenant, operator)

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	st := g.sessions.Stats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active, %d degraded, %d stopped)", st.Active, st.Degraded, st.Stopped)
}

// StatsResponse is the body of GET /sessions/stats.
type StatsResponse struct {
	orchestrator.Stats
	Uptime string `json:"uptime"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, StatsResponse{
		Stats:  g.sessions.Stats(),
		Uptime: time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// tenantFromRequest parses the tenant path value and checks the caller may
// act on it. It writes the error response itself and reports false on failure.
func (g *Gateway) tenantFromRequest(w http.ResponseWriter, r *http.Request) (tenant.ID, bool) {
	t, err := tenant.ParseID(r.PathValue("tenantId"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	caller := auth.FromContext(r.Context())
	if caller == nil || !caller.CanManage(t) {
		g.sendJSONError(w, http.StatusForbidden, "token not valid for this tenant")
		return "", false
	}
	return t, true
}

func (g *Gateway) handleActivate(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tenantFromRequest(w, r)
	if !ok {
		return
	}

	if _, err := g.sessions.Activate(r.Context(), t); err != nil {
		status, msg := activationError(err)
		g.logger.Warn("activation failed", "tenant_id", t, "status", status, "error", err)
		g.sendJSONError(w, status, msg)
		return
	}
	g.sendStat(w, t)
}

// activationError maps orchestrator errors to an HTTP status and client message.
func activationError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrCredentialNotFound):
		return http.StatusNotFound, "no bot configured for tenant"
	case errors.Is(err, orchestrator.ErrCredentialIncomplete):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable, "gateway is shutting down"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "activation timed out"
	default:
		// The session could not start, usually because the platform
		// rejected the token or was unreachable.
		return http.StatusBadGateway, err.Error()
	}
}

func (g *Gateway) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tenantFromRequest(w, r)
	if !ok {
		return
	}

	if err := g.sessions.Deactivate(r.Context(), t); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "no session for tenant")
			return
		}
		g.logger.Error("deactivation failed", "tenant_id", t, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}
	g.sendJSON(w, http.StatusOK, orchestrator.SessionStat{TenantID: t, Status: session.StatusStopped})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tenantFromRequest(w, r)
	if !ok {
		return
	}
	g.sendStat(w, t)
}

func (g *Gateway) sendStat(w http.ResponseWriter, t tenant.ID) {
	st, err := g.sessions.Stat(t)
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "no session for tenant")
		return
	}
	g.sendJSON(w, http.StatusOK, st)
}

// CredentialRequest is the body of PUT /tenants/{tenantId}/credential.
type CredentialRequest struct {
	BotToken      string `json:"bot_token"`
	Mode          string `json:"mode"`
	WebhookSecret string `json:"webhook_secret"`
	AIKey         string `json:"ai_key"`
	// Activate (re)starts the session with the new credential right away.
	Activate bool `json:"activate"`
}

// CredentialResponse echoes the stored credential with secrets redacted.
type CredentialResponse struct {
	TenantID      tenant.ID                 `json:"tenant_id"`
	BotToken      string                    `json:"bot_token"`
	Mode          tenant.DispatchMode       `json:"mode"`
	WebhookSecret string                    `json:"webhook_secret,omitempty"`
	AIKey         string                    `json:"ai_key,omitempty"`
	Session       *orchestrator.SessionStat `json:"session,omitempty"`
}

func (g *Gateway) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req CredentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BotToken == "" {
		g.sendJSONError(w, http.StatusBadRequest, "bot_token is required")
		return
	}
	mode, err := tenant.ParseDispatchMode(req.Mode)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cred := tenant.Credential{
		TenantID:      t,
		BotToken:      req.BotToken,
		Mode:          mode,
		WebhookSecret: req.WebhookSecret,
		AIKey:         req.AIKey,
	}
	if err := g.store.PutCredential(r.Context(), cred); err != nil {
		g.logger.Error("saving credential failed", "tenant_id", t, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "saving credential failed")
		return
	}

	red := cred.Redacted()
	resp := CredentialResponse{
		TenantID:      t,
		BotToken:      red.BotToken,
		Mode:          red.Mode,
		WebhookSecret: red.WebhookSecret,
		AIKey:         red.AIKey,
	}

	// A running session holds a copy of the old credential, so it is
	// replaced even when activation was not requested.
	_, lookupErr := g.sessions.Lookup(t)
	if req.Activate || lookupErr == nil {
		if _, err := g.sessions.Activate(r.Context(), t); err != nil {
			status, msg := activationError(err)
			g.logger.Warn("activation after credential update failed", "tenant_id", t, "error", err)
			g.sendJSONError(w, status, "credential saved, activation failed: "+msg)
			return
		}
		if st, err := g.sessions.Stat(t); err == nil {
			resp.Session = &st
		}
	}

	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tenantFromRequest(w, r)
	if !ok {
		return
	}

	if err := g.sessions.Deactivate(r.Context(), t); err != nil && !errors.Is(err, orchestrator.ErrNotFound) {
		g.logger.Error("deactivation before delete failed", "tenant_id", t, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}
	if err := g.store.DeleteTenant(r.Context(), t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		g.logger.Error("deleting tenant failed", "tenant_id", t, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "deleting tenant failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
