// ABOUTME: Package session runs one tenant's bot: receive loop, dispatch lanes and conversations
// ABOUTME: Sessions never share state; each is bound to a single tenant credential

// Package session implements a tenant session.
//
// A Session owns exactly one platform client built from one tenant's
// credential. Events arrive either from its own long-poll loop or through
// Deliver (webhook mode) and are queued on a per-user lane, so one user's
// messages are handled strictly in order while different users proceed in
// parallel.
//
// Conversation state is reached only through a convstate.Scope bound to the
// session's tenant. Events stamped with another tenant are refused before
// they reach a lane.
package session
