// Package auth provides authentication for the tally-gateway management API.
//
// # JWT Tokens
//
// Operators and tenant tooling authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret (at least MinSecretLength bytes). The "sub" claim
// names the caller. An optional "tenant" claim scopes the token to a single
// tenant: such a token can activate, deactivate and inspect only that
// tenant's session, and cannot read fleet-wide stats.
//
// Tokens are minted with the CLI:
//
//	tally-gateway token --subject ops --ttl 720h
//	tally-gateway token --subject acme-bot --tenant acme
//
// # HTTP Middleware
//
//	mux.Handle("/sessions/", auth.HTTPAuthMiddleware(verifier, logger)(handler))
//
// HTTPAuthMiddleware stores an AuthContext in the request context;
// handlers call FromContext and AuthContext.CanManage before acting on a
// tenant. Webhook ingress is not behind this middleware; it is authenticated
// per tenant with the platform's secret token header instead.
package auth
