// Package gateway wires the tally-gateway server together.
//
// # Overview
//
// The Gateway owns the credential store, the conversation state store, the
// session orchestrator, the webhook router and the HTTP server. New builds
// each of them from config; NewWithDeps lets tests swap in fakes.
//
// # HTTP API
//
// Management endpoints (bearer JWT when auth.jwt_secret is set):
//
//   - POST /sessions/{tenantId}/activate - Start or replace a tenant's session
//   - POST /sessions/{tenantId}/deactivate - Stop a tenant's session
//   - GET /sessions/{tenantId}/status - Status, mode and last activity
//   - GET /sessions/stats - All sessions by status (operator only)
//   - PUT /tenants/{tenantId}/credential - Store a bot token, mode and keys
//   - DELETE /tenants/{tenantId} - Stop the session and delete tenant data (operator only)
//
// A token carrying a tenant claim may only manage that tenant. Tokens
// without one are operator tokens.
//
// Unauthenticated endpoints:
//
//   - POST /webhook/{tenantId} - Platform update ingress, checked against the tenant's secret
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store reachable)
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Listeners
//
// The server listens on server.http_addr, or on a tsnet node when tailscale
// is enabled. With tailscale.funnel the node serves public HTTPS on :443,
// which is enough for the platform to deliver webhooks.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks; boots every configured tenant
//
// Run drains all sessions when ctx is canceled. Conversation states are not
// cleared on shutdown so a persistent state store carries them across restarts.
package gateway
