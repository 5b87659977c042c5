// ABOUTME: Messaging platform client interface, inbound event type and typed errors
// ABOUTME: Sessions talk to the chat platform only through the Client interface

package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/tally-gateway/internal/tenant"
)

// ErrGatewayTransport marks retryable platform failures (network errors, 5xx, rate limits).
var ErrGatewayTransport = errors.New("messaging gateway transport error")

// ErrUnauthorized means the platform rejected the bot token. Retrying will not help.
var ErrUnauthorized = errors.New("bot token rejected by platform")

// ErrRejected means the platform refused one request (bad chat, bot blocked by the user).
// The session keeps running; only the affected reply is lost.
var ErrRejected = errors.New("request rejected by platform")

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("messaging client closed")

// TransportError carries the failed operation and any platform-supplied retry hint.
// It matches ErrGatewayTransport with errors.Is.
type TransportError struct {
	Op         string
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: platform returned %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrGatewayTransport, e.Err}
}

// EventKind distinguishes text from photo messages.
type EventKind string

const (
	KindText  EventKind = "text"
	KindPhoto EventKind = "photo"
)

// InboundEvent is one user message addressed to a tenant's bot.
// It is never persisted.
type InboundEvent struct {
	TenantID tenant.ID
	UserID   tenant.UserID
	ChatID   int64
	UpdateID int
	Kind     EventKind
	Text     string // message text, or the photo caption
	FileRef  string // platform file id of the largest photo size
}

// Batch is the result of one long-poll request.
// NextOffset acknowledges every update seen, including ones that produced no event.
type Batch struct {
	Events     []InboundEvent
	NextOffset int
}

// BotInfo identifies the bot behind a token.
type BotInfo struct {
	ID       int64
	Username string
}

// Client is the narrow surface of the messaging platform a tenant session needs.
// A Client is bound to one bot token.
type Client interface {
	GetMe(ctx context.Context) (BotInfo, error)
	FetchUpdates(ctx context.Context, offset int, wait time.Duration) (Batch, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	// SendChoices sends text with a one-time reply keyboard of options.
	SendChoices(ctx context.Context, chatID int64, text string, options []string) error
	// SendPhotoPrompt asks the user to reply with a photo.
	SendPhotoPrompt(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
	DownloadFile(ctx context.Context, fileRef string) ([]byte, error)
	SetWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
	Close() error
}

// Factory builds a Client for one tenant's bot token.
type Factory func(ctx context.Context, cred tenant.Credential) (Client, error)

// IsRetryable reports whether err is a transient platform failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTransport) && !errors.Is(err, ErrUnauthorized)
}

// RetryAfter extracts the platform's retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
