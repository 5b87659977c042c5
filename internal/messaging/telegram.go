// ABOUTME: Telegram Bot API implementation of the messaging Client
// ABOUTME: Wraps go-telegram-bot-api and maps its failures onto typed errors

package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/tally-gateway/internal/tenant"
)

// DefaultMaxFileBytes caps photo downloads.
const DefaultMaxFileBytes = 10 << 20

// TelegramOptions tunes NewTelegramClient. Zero values select Telegram's public API.
type TelegramOptions struct {
	Endpoint     string        // API endpoint format with two %s verbs (token, method)
	FileEndpoint string        // file download format with two %s verbs (token, path)
	HTTPTimeout  time.Duration // per-request timeout; must exceed the long-poll wait
	MaxFileBytes int64
	Logger       *slog.Logger
}

func (o *TelegramOptions) applyDefaults() {
	if o.Endpoint == "" {
		o.Endpoint = tgbotapi.APIEndpoint
	}
	if o.FileEndpoint == "" {
		o.FileEndpoint = tgbotapi.FileEndpoint
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 75 * time.Second
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = DefaultMaxFileBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// TelegramClient is a Client bound to one bot token.
type TelegramClient struct {
	bot          *tgbotapi.BotAPI
	token        string
	fileEndpoint string
	maxFileBytes int64
	httpClient   *http.Client
	logger       *slog.Logger

	// life is cancelled by Close and aborts any in-flight request, including a long poll.
	life   context.Context
	cancel context.CancelFunc
}

// lifetimeClient attaches the client's lifetime context to every request the
// bot library makes, since the library itself builds requests without one.
type lifetimeClient struct {
	life  context.Context
	inner *http.Client
}

func (l lifetimeClient) Do(req *http.Request) (*http.Response, error) {
	return l.inner.Do(req.WithContext(l.life))
}

// NewTelegramClient authenticates token against the Bot API (getMe) and returns a client.
// A rejected token yields ErrUnauthorized.
func NewTelegramClient(ctx context.Context, token string, opts TelegramOptions) (*TelegramClient, error) {
	opts.applyDefaults()

	life, cancel := context.WithCancel(context.Background())
	httpClient := &http.Client{
		Timeout: opts.HTTPTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	// Abandon the handshake if the caller gives up first.
	stop := context.AfterFunc(ctx, cancel)
	bot, err := tgbotapi.NewBotAPIWithClient(token, opts.Endpoint, lifetimeClient{life: life, inner: httpClient})
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("getMe", err)
	}

	return &TelegramClient{
		bot:          bot,
		token:        token,
		fileEndpoint: opts.FileEndpoint,
		maxFileBytes: opts.MaxFileBytes,
		httpClient:   httpClient,
		logger:       opts.Logger.With("bot", bot.Self.UserName),
		life:         life,
		cancel:       cancel,
	}, nil
}

// TelegramFactory returns a Factory producing TelegramClients with opts.
func TelegramFactory(opts TelegramOptions) Factory {
	return func(ctx context.Context, cred tenant.Credential) (Client, error) {
		return NewTelegramClient(ctx, cred.BotToken, opts)
	}
}

// classify maps a bot library error onto this package's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrUnauthorized)
		case http.StatusBadRequest, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %s", op, ErrRejected, apiErr.Message)
		}
		return &TransportError{
			Op:         op,
			Code:       apiErr.Code,
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Err:        errors.New(apiErr.Message),
		}
	}
	return &TransportError{Op: op, Err: err}
}

func (c *TelegramClient) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if c.life.Err() != nil {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return classify(op, err)
}

// GetMe re-checks the token and returns the bot identity.
func (c *TelegramClient) GetMe(ctx context.Context) (BotInfo, error) {
	if err := ctx.Err(); err != nil {
		return BotInfo{}, err
	}
	u, err := c.bot.GetMe()
	if err != nil {
		return BotInfo{}, c.wrap("getMe", err)
	}
	return BotInfo{ID: u.ID, Username: u.UserName}, nil
}

// FetchUpdates long-polls for message updates starting at offset.
func (c *TelegramClient) FetchUpdates(ctx context.Context, offset int, wait time.Duration) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{NextOffset: offset}, err
	}
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(wait / time.Second)
	cfg.AllowedUpdates = []string{"message"}

	// The bot library cannot cancel a request, so a cancelled poll is abandoned
	// and its result dropped. Those updates stay unconfirmed and are redelivered.
	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := c.bot.GetUpdates(cfg)
		done <- result{updates, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return Batch{NextOffset: offset}, ctx.Err()
	}
	if r.err != nil {
		return Batch{NextOffset: offset}, c.wrap("getUpdates", r.err)
	}

	batch := Batch{NextOffset: offset}
	for _, u := range r.updates {
		if u.UpdateID >= batch.NextOffset {
			batch.NextOffset = u.UpdateID + 1
		}
		if ev, ok := eventFromUpdate(u); ok {
			batch.Events = append(batch.Events, ev)
		}
	}
	return batch, nil
}

// SendMessage sends plain text and clears any reply keyboard left by SendChoices.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	_, err := c.bot.Send(msg)
	return c.wrap("sendMessage", err)
}

// SendChoices sends text with one keyboard row per option.
func (c *TelegramClient) SendChoices(ctx context.Context, chatID int64, text string, options []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(options) == 0 {
		return c.SendMessage(ctx, chatID, text)
	}
	rows := make([][]tgbotapi.KeyboardButton, 0, len(options))
	for _, opt := range options {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(opt)))
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.OneTimeKeyboard = true
	kb.ResizeKeyboard = true

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	_, err := c.bot.Send(msg)
	return c.wrap("sendMessage", err)
}

// SendPhotoPrompt sends text with a forced reply so the client opens the composer.
func (c *TelegramClient) SendPhotoPrompt(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.ForceReply{
		ForceReply:            true,
		InputFieldPlaceholder: "Attach a receipt photo",
	}
	_, err := c.bot.Send(msg)
	return c.wrap("sendMessage", err)
}

// SendTyping shows the typing indicator while slow work runs.
func (c *TelegramClient) SendTyping(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return c.wrap("sendChatAction", err)
}

// DownloadFile fetches a file by its platform id, refusing anything over the size cap.
func (c *TelegramClient) DownloadFile(ctx context.Context, fileRef string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileRef})
	if err != nil {
		return nil, c.wrap("getFile", err)
	}
	if int64(f.FileSize) > c.maxFileBytes {
		return nil, fmt.Errorf("file %s is %d bytes, limit %d: %w", fileRef, f.FileSize, c.maxFileBytes, ErrRejected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(c.fileEndpoint, c.token, f.FilePath), nil)
	if err != nil {
		return nil, fmt.Errorf("building file request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "downloadFile", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "downloadFile", Code: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFileBytes+1))
	if err != nil {
		return nil, &TransportError{Op: "downloadFile", Err: err}
	}
	if int64(len(data)) > c.maxFileBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes: %w", fileRef, c.maxFileBytes, ErrRejected)
	}
	return data, nil
}

// SetWebhook points the bot at url. When secret is set the platform echoes it in
// the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *TelegramClient) SetWebhook(ctx context.Context, url, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params["url"] = url
	params["allowed_updates"] = `["message"]`
	params.AddNonEmpty("secret_token", secret)

	_, err := c.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return c.wrap("setWebhook", err)
	}
	c.logger.Debug("webhook registered", "url", url)
	return nil
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *TelegramClient) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{})
	return c.wrap("deleteWebhook", err)
}

// Close aborts in-flight requests. Further calls fail with ErrClosed.
func (c *TelegramClient) Close() error {
	c.cancel()
	c.httpClient.CloseIdleConnections()
	return nil
}
