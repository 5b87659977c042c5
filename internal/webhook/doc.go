// ABOUTME: Package webhook routes platform webhook deliveries to tenant sessions
// ABOUTME: The tenant is taken from the URL path only and unknown tenants are refused

// Package webhook implements the secure webhook ingress.
//
// Every delivery must arrive on /webhook/{tenantId}. The router resolves the
// tenant through the orchestrator and hands the parsed update to that
// tenant's session, which repeats the tenant check itself. There is no
// default tenant: a path without a tenant id, a tenant without a live
// webhook-mode session, or a wrong secret token all answer 403.
package webhook
