// ABOUTME: Package convstate keeps in-progress conversations keyed by tenant and chat user
// ABOUTME: Memory and Redis backends share one interface and the same expiry rules

// Package convstate stores conversation state for multi-step flows.
//
// Every entry is keyed by (tenant, user) and carries its own expiry, refreshed
// on each write. MemoryStore serves a single gateway process. RedisStore lets
// states survive a restart and relies on Redis key TTLs, so its SweepExpired
// is a no-op.
//
// Sessions never touch a Store directly. They go through a Scope created for
// their own tenant, which makes a cross-tenant read impossible to express.
package convstate
