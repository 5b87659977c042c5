// ABOUTME: Package orchestrator supervises one session per tenant
// ABOUTME: Handles activation, replacement, lookup, crash restarts and health stats

// Package orchestrator owns the tenant registry.
//
// Lookups read an immutable map through an atomic pointer, so webhook traffic
// never waits on activation. Mutations copy the map under a single mutex.
// Each tenant additionally has its own activation lock, which is what makes
// concurrent Activate calls for one tenant end with exactly one session.
//
// When a session reports a transport failure the orchestrator re-activates
// the tenant with exponential backoff (base 1s, cap 5m, jitter of 20%). After
// the restart budget is spent the tenant is left stopped and an alert is
// logged and counted.
package orchestrator
