// ABOUTME: Tenant identity types shared by the orchestrator, sessions and stores
// ABOUTME: Typed IDs keep tenant and chat-participant identifiers from being mixed up

// Package tenant defines tenant identity and bot credential types.
package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// ID identifies a tenant, the owner of exactly one bot identity.
type ID string

// UserID identifies a remote chat participant talking to a tenant's bot.
// It is never a tenant ID, even when the underlying strings happen to match.
type UserID string

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// String implements fmt.Stringer.
func (u UserID) String() string { return string(u) }

// DispatchMode selects how a tenant's events reach its session.
type DispatchMode string

const (
	// ModePolling pulls updates with long-poll requests.
	ModePolling DispatchMode = "polling"
	// ModeWebhook receives updates pushed to /webhook/{tenantId}.
	ModeWebhook DispatchMode = "webhook"
)

// ErrInvalidID is returned by ParseID for empty or malformed tenant IDs.
var ErrInvalidID = errors.New("invalid tenant id")

// ErrNoCredential is returned by credential sources when a tenant has no bot configured.
var ErrNoCredential = errors.New("no bot credential configured")

// ParseID validates a tenant ID taken from an untrusted source such as a URL path.
// Only ASCII letters, digits, '-' and '_' are accepted, up to 64 characters.
func ParseID(raw string) (ID, error) {
	if raw == "" || len(raw) > 64 {
		return "", ErrInvalidID
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
		}
	}
	return ID(raw), nil
}

// ParseDispatchMode converts a config or API string into a DispatchMode.
// An empty string defaults to polling.
func ParseDispatchMode(raw string) (DispatchMode, error) {
	switch DispatchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModePolling:
		return ModePolling, nil
	case ModeWebhook:
		return ModeWebhook, nil
	default:
		return "", fmt.Errorf("unknown dispatch mode %q", raw)
	}
}

// Credential is the authoritative bot configuration for one tenant.
// A running session holds a copy; changes require a restart of the session.
type Credential struct {
	TenantID      ID
	BotToken      string
	Mode          DispatchMode
	WebhookSecret string // optional; checked against the platform's secret-token header
	AIKey         string // key for the extraction service
}

// Redacted returns a copy safe for logging.
func (c Credential) Redacted() Credential {
	out := c
	if out.BotToken != "" {
		out.BotToken = redact(out.BotToken)
	}
	if out.AIKey != "" {
		out.AIKey = redact(out.AIKey)
	}
	if out.WebhookSecret != "" {
		out.WebhookSecret = "***"
	}
	return out
}

func redact(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}
