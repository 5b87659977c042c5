// ABOUTME: Package messaging abstracts the chat platform behind a small client interface
// ABOUTME: The Telegram implementation uses tgbotapi; FakeClient drives tests

// Package messaging is the boundary to the chat platform.
//
// TelegramClient wraps the Bot API. Its errors are sorted into
// TransportError (network trouble, 5xx, rate limits; retryable) and
// ErrUnauthorized or ErrRejected (the platform refused the request), which is
// what sessions use to decide between retrying and degrading.
package messaging
