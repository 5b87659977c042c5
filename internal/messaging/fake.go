// ABOUTME: In-memory messaging Client for tests
// ABOUTME: Records outbound messages and feeds scripted update batches to the poll loop

package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/2389/tally-gateway/internal/tenant"
)

// Sent is one outbound message captured by FakeClient.
type Sent struct {
	ChatID  int64
	Text    string
	Options []string
	Kind    string // "message", "choices", "photo_prompt" or "typing"
}

// FakeClient implements Client in memory. The zero value is not usable; use NewFakeClient.
type FakeClient struct {
	mu         sync.Mutex
	sent       []Sent
	files      map[string][]byte
	fetchErrs  []error
	fetchErr   error
	sendErr    error
	getMeErr   error
	webhookErr error
	webhookURL string
	secret     string
	deletes    int
	fetchCalls int
	closed     bool

	updates chan Batch
	done    chan struct{}
	notify  chan struct{}
}

// NewFakeClient creates an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		files:   make(map[string][]byte),
		updates: make(chan Batch, 64),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// FakeFactory returns a Factory that hands out clients from newClient.
// Use it when a test needs a fresh client per activation.
func FakeFactory(newClient func(cred tenant.Credential) (*FakeClient, error)) Factory {
	return func(_ context.Context, cred tenant.Credential) (Client, error) {
		c, err := newClient(cred)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// PushEvents queues one poll batch containing events.
func (f *FakeClient) PushEvents(events ...InboundEvent) {
	next := 0
	for _, ev := range events {
		if ev.UpdateID >= next {
			next = ev.UpdateID + 1
		}
	}
	f.updates <- Batch{Events: events, NextOffset: next}
}

// FailFetches makes the next len(errs) FetchUpdates calls return errs in order.
func (f *FakeClient) FailFetches(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs = append(f.fetchErrs, errs...)
}

// SetFetchError makes every FetchUpdates call fail with err until reset with nil.
func (f *FakeClient) SetFetchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// SetSendError makes all send calls fail with err.
func (f *FakeClient) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetGetMeError makes GetMe fail with err.
func (f *FakeClient) SetGetMeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getMeErr = err
}

// SetWebhookError makes SetWebhook fail with err.
func (f *FakeClient) SetWebhookError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookErr = err
}

// AddFile registers content for DownloadFile.
func (f *FakeClient) AddFile(ref string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[ref] = data
}

// Sent returns a copy of every captured message.
func (f *FakeClient) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentTo returns the texts sent to chatID, in order, excluding typing indicators.
func (f *FakeClient) SentTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.ChatID == chatID && s.Kind != "typing" {
			out = append(out, s.Text)
		}
	}
	return out
}

// WaitForSent blocks until at least n texts were sent to chatID or timeout elapses,
// and returns what was sent so far.
func (f *FakeClient) WaitForSent(chatID int64, n int, timeout time.Duration) []string {
	deadline := time.After(timeout)
	for {
		if got := f.SentTo(chatID); len(got) >= n {
			return got
		}
		select {
		case <-f.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return f.SentTo(chatID)
		}
	}
}

// Webhook returns the registered webhook URL and secret.
func (f *FakeClient) Webhook() (url, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webhookURL, f.secret
}

// DeleteWebhookCalls counts DeleteWebhook calls.
func (f *FakeClient) DeleteWebhookCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

// FetchCalls counts FetchUpdates calls.
func (f *FakeClient) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeClient) GetMe(ctx context.Context) (BotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getMeErr != nil {
		return BotInfo{}, f.getMeErr
	}
	return BotInfo{ID: 1, Username: "fake_bot"}, nil
}

func (f *FakeClient) FetchUpdates(ctx context.Context, offset int, wait time.Duration) (Batch, error) {
	f.mu.Lock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		f.mu.Unlock()
		return Batch{NextOffset: offset}, err
	}
	if f.fetchErr != nil {
		err := f.fetchErr
		f.mu.Unlock()
		return Batch{NextOffset: offset}, err
	}
	f.mu.Unlock()

	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	select {
	case b := <-f.updates:
		if b.NextOffset < offset {
			b.NextOffset = offset
		}
		return b, nil
	case <-ctx.Done():
		return Batch{NextOffset: offset}, ctx.Err()
	case <-f.done:
		return Batch{NextOffset: offset}, ErrClosed
	case <-time.After(wait):
		return Batch{NextOffset: offset}, nil
	}
}

func (f *FakeClient) record(s Sent) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, s)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *FakeClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	return f.record(Sent{ChatID: chatID, Text: text, Kind: "message"})
}

func (f *FakeClient) SendChoices(ctx context.Context, chatID int64, text string, options []string) error {
	return f.record(Sent{ChatID: chatID, Text: text, Options: append([]string(nil), options...), Kind: "choices"})
}

func (f *FakeClient) SendPhotoPrompt(ctx context.Context, chatID int64, text string) error {
	return f.record(Sent{ChatID: chatID, Text: text, Kind: "photo_prompt"})
}

func (f *FakeClient) SendTyping(ctx context.Context, chatID int64) error {
	return f.record(Sent{ChatID: chatID, Kind: "typing"})
}

func (f *FakeClient) DownloadFile(ctx context.Context, fileRef string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileRef]
	if !ok {
		return nil, ErrRejected
	}
	return data, nil
}

func (f *FakeClient) SetWebhook(ctx context.Context, url, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.webhookErr != nil {
		return f.webhookErr
	}
	f.webhookURL = url
	f.secret = secret
	return nil
}

func (f *FakeClient) DeleteWebhook(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	f.webhookURL = ""
	f.secret = ""
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}
