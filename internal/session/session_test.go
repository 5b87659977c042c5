// ABOUTME: Tests for tenant sessions covering flows, isolation, ordering and lifecycle
// ABOUTME: Drives sessions through the in-memory messaging client and state store

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tally-gateway/internal/convstate"
	"github.com/2389/tally-gateway/internal/dedupe"
	"github.com/2389/tally-gateway/internal/extract"
	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/messaging"
	"github.com/2389/tally-gateway/internal/tenant"
)

const (
	testTenant tenant.ID = "t1"
	testChat   int64     = 4242
	waitFor              = 2 * time.Second
)

// fakeRecords is an in-memory RecordStore.
type fakeRecords struct {
	mu         sync.Mutex
	txs        []flow.Record
	cats       []flow.CategoryRecord
	categories map[string][]string
	hang       bool
	panicMsg   string
	txTenants  []tenant.ID
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{categories: map[string][]string{
		flow.TypeIncome:  {"Salary", "Bonus"},
		flow.TypeExpense: {"Food", "Transport"},
	}}
}

func (r *fakeRecords) CreateTransaction(ctx context.Context, t tenant.ID, rec flow.Record) (string, error) {
	r.mu.Lock()
	hang, panicMsg := r.hang, r.panicMsg
	r.mu.Unlock()
	if panicMsg != "" {
		panic(panicMsg)
	}
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, rec)
	r.txTenants = append(r.txTenants, t)
	return fmt.Sprintf("tx-%d", len(r.txs)), nil
}

func (r *fakeRecords) CreateCategory(_ context.Context, _ tenant.ID, cat flow.CategoryRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cats = append(r.cats, cat)
	return fmt.Sprintf("cat-%d", len(r.cats)), nil
}

func (r *fakeRecords) ListCategories(_ context.Context, _ tenant.ID, typ string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.categories[typ]...), nil
}

func (r *fakeRecords) setHang(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang = v
}

func (r *fakeRecords) transactions() []flow.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flow.Record(nil), r.txs...)
}

func (r *fakeRecords) categoryRecords() []flow.CategoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flow.CategoryRecord(nil), r.cats...)
}

type harness struct {
	sess    *Session
	client  *messaging.FakeClient
	records *fakeRecords
	states  *convstate.MemoryStore
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		client:  messaging.NewFakeClient(),
		records: newFakeRecords(),
		states:  convstate.NewMemoryStore(convstate.DefaultTTL),
	}
	cfg := Config{
		Credential:        tenant.Credential{TenantID: testTenant, BotToken: "123:abc", Mode: tenant.ModePolling},
		Clients:           func(context.Context, tenant.Credential) (messaging.Client, error) { return h.client, nil },
		States:            h.states,
		Records:           h.records,
		PollWait:          20 * time.Millisecond,
		CompletionTimeout: time.Second,
		RetryBackoff:      time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sess, err := New(cfg)
	require.NoError(t, err)
	h.sess = sess
	t.Cleanup(sess.Kill)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sess.Start(context.Background()))
}

var nextUpdate atomic.Int64

func textEvent(user tenant.UserID, chat int64, text string) messaging.InboundEvent {
	return messaging.InboundEvent{
		TenantID: testTenant,
		UserID:   user,
		ChatID:   chat,
		UpdateID: int(nextUpdate.Add(1)),
		Kind:     messaging.KindText,
		Text:     text,
	}
}

// say delivers each text in order and waits for one reply per text.
func (h *harness) say(t *testing.T, texts ...string) []string {
	t.Helper()
	before := len(h.client.SentTo(testChat))
	for _, text := range texts {
		require.NoError(t, h.sess.Deliver(context.Background(), textEvent("u1", testChat, text)))
	}
	got := h.client.WaitForSent(testChat, before+len(texts), waitFor)
	require.Len(t, got, before+len(texts), "replies: %q", got)
	return got[before:]
}

func (h *harness) state(t *testing.T, user tenant.UserID) *convstate.State {
	t.Helper()
	st, err := h.states.Get(context.Background(), convstate.Key{Tenant: testTenant, User: user})
	require.NoError(t, err)
	return st
}

func TestIncomeFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	replies := h.say(t, "/income")
	assert.Equal(t, "New income\nHow much did you receive? Send a number, e.g. 50 or 12.30", replies[0])

	replies = h.say(t, "50")
	assert.Equal(t, "Which category is it?", replies[0])
	sent := h.client.Sent()
	assert.Equal(t, []string{"Salary", "Bonus"}, sent[len(sent)-1].Options)

	st := h.state(t, "u1")
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Step)
	assert.Equal(t, "5000", st.Collected[flow.FieldAmount])

	replies = h.say(t, "salary")
	assert.Equal(t, `Saved income of 50 in "Salary".`, replies[0])

	txs := h.records.transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, flow.Record{Type: flow.TypeIncome, AmountMinor: 5000, Category: "Salary", Source: flow.KindCreateIncome}, txs[0])
	assert.Equal(t, []tenant.ID{testTenant}, h.records.txTenants)
	assert.Nil(t, h.state(t, "u1"))
}

func TestCategoryFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	replies := h.say(t, "create category", "expense", "  Pet   food ")
	assert.Equal(t, "What should the category be called?", replies[1])
	assert.Equal(t, `Created expense category "Pet food".`, replies[2])
	assert.Equal(t, []flow.CategoryRecord{{Type: flow.TypeExpense, Name: "Pet food"}}, h.records.categoryRecords())
}

func TestInvalidInputs(t *testing.T) {
	t.Run("re-prompts with the reason", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)

		replies := h.say(t, "/expense", "twelve")
		assert.True(t, strings.HasPrefix(replies[1], "That does not look right (not a number)."), replies[1])
		st := h.state(t, "u1")
		require.NotNil(t, st)
		assert.Equal(t, 0, st.Step)
		assert.Equal(t, 1, st.Invalid)
	})

	t.Run("cancels after the limit", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)

		replies := h.say(t, "/expense", "abc", "-5", "1.234")
		assert.Equal(t, msgTooManyInvalid, replies[3])
		assert.Nil(t, h.state(t, "u1"))
		assert.Empty(t, h.records.transactions())
	})

	t.Run("valid answer resets the count", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)

		h.say(t, "/expense", "abc", "abc", "10", "nope", "nope")
		st := h.state(t, "u1")
		require.NotNil(t, st)
		assert.Equal(t, 1, st.Step)
		assert.Equal(t, 2, st.Invalid)
	})
}

func TestCancelAndHelp(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	replies := h.say(t, "/cancel", "/help", "hello there")
	assert.Equal(t, []string{msgNothingToCancel, flow.HelpText, msgUnknown}, replies)

	replies = h.say(t, "/income", "/cancel")
	assert.Equal(t, msgCancelled, replies[1])
	assert.Nil(t, h.state(t, "u1"))

	h.say(t, "/receipt")
	sent := h.client.Sent()
	assert.Equal(t, "photo_prompt", sent[len(sent)-1].Kind)
}

func TestFlowStartReplacesActiveFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.say(t, "/income", "50", "/expense")
	st := h.state(t, "u1")
	require.NotNil(t, st)
	assert.Equal(t, flow.KindCreateExpense, st.Flow)
	assert.Equal(t, 0, st.Step)
	assert.Equal(t, map[string]string{flow.FieldType: flow.TypeExpense}, st.Collected)
}

func TestTenantMismatchRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	ev := textEvent("u1", testChat, "/income")
	ev.TenantID = "t2"
	err := h.sess.Deliver(context.Background(), ev)
	require.ErrorIs(t, err, ErrTenantMismatch)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.states.Len())
	assert.Empty(t, h.client.SentTo(testChat))
}

func TestUsersAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.sess.Deliver(ctx, textEvent("alice", 1, "/income")))
	require.NoError(t, h.sess.Deliver(ctx, textEvent("bob", 2, "/expense")))
	require.NoError(t, h.sess.Deliver(ctx, textEvent("alice", 1, "70")))
	h.client.WaitForSent(1, 2, waitFor)
	h.client.WaitForSent(2, 1, waitFor)

	alice := h.state(t, "alice")
	bob := h.state(t, "bob")
	require.NotNil(t, alice)
	require.NotNil(t, bob)
	assert.Equal(t, flow.KindCreateIncome, alice.Flow)
	assert.Equal(t, 1, alice.Step)
	assert.Equal(t, flow.KindCreateExpense, bob.Flow)
	assert.Equal(t, 0, bob.Step)
}

func TestPerUserOrderingUnderLoad(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	const users, rounds = 5, 10
	var wg sync.WaitGroup
	for u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := tenant.UserID(fmt.Sprintf("u%d", u))
			chat := int64(100 + u)
			for i := range rounds {
				for _, text := range []string{"/category", "income", fmt.Sprintf("u%d-%02d", u, i)} {
					assert.NoError(t, h.sess.Deliver(context.Background(), textEvent(user, chat, text)))
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(h.records.categoryRecords()) == users*rounds
	}, 5*time.Second, 10*time.Millisecond)

	perUser := make(map[string][]string)
	for _, c := range h.records.categoryRecords() {
		assert.Equal(t, flow.TypeIncome, c.Type)
		prefix, _, _ := strings.Cut(c.Name, "-")
		perUser[prefix] = append(perUser[prefix], c.Name)
	}
	for u := range users {
		var want []string
		for i := range rounds {
			want = append(want, fmt.Sprintf("u%d-%02d", u, i))
		}
		assert.Equal(t, want, perUser[fmt.Sprintf("u%d", u)])
	}
}

func TestRecordStorePanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.records.panicMsg = "boom"

	replies := h.say(t, "/income", "10", "Salary")
	assert.Equal(t, msgGenericFailure, replies[2])
	assert.NotNil(t, h.state(t, "u1"), "conversation survives a failed completion")

	replies = h.say(t, "/help")
	assert.Equal(t, flow.HelpText, replies[0])
	assert.Equal(t, StatusRunning, h.sess.Status())
}

func TestCompletionTimeoutKeepsState(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CompletionTimeout = 40 * time.Millisecond })
	h.start(t)
	h.records.setHang(true)

	replies := h.say(t, "/income", "25", "Bonus")
	assert.Equal(t, msgTimeout, replies[2])

	st := h.state(t, "u1")
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Step)
	assert.Equal(t, "2500", st.Collected[flow.FieldAmount])
	assert.Empty(t, h.records.transactions())

	h.records.setHang(false)
	replies = h.say(t, "Bonus")
	assert.Equal(t, `Saved income of 25 in "Bonus".`, replies[0])
	assert.Len(t, h.records.transactions(), 1)
}

func TestTransportFailuresDegrade(t *testing.T) {
	t.Run("budget exhausted", func(t *testing.T) {
		var calls atomic.Int32
		var gotErr atomic.Value
		h := newHarness(t, func(c *Config) {
			c.MaxTransportFailures = 3
			c.OnFailure = func(id tenant.ID, err error) {
				calls.Add(1)
				gotErr.Store(err)
			}
		})
		h.client.SetFetchError(&messaging.TransportError{Op: "getUpdates", Code: 502, Err: errors.New("bad gateway")})
		h.start(t)

		require.Eventually(t, func() bool { return h.sess.Status() == StatusDegraded }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 3, h.client.FetchCalls())
		assert.ErrorIs(t, gotErr.Load().(error), messaging.ErrGatewayTransport)
		assert.ErrorIs(t, h.sess.Err(), messaging.ErrGatewayTransport)
	})

	t.Run("recovers before the budget", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MaxTransportFailures = 3 })
		h.client.FailFetches(
			&messaging.TransportError{Op: "getUpdates", Code: 502, Err: errors.New("bad gateway")},
			&messaging.TransportError{Op: "getUpdates", Code: 502, Err: errors.New("bad gateway")},
		)
		h.start(t)

		require.Eventually(t, func() bool { return h.client.FetchCalls() > 3 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, StatusRunning, h.sess.Status())
	})

	t.Run("revoked token degrades at once", func(t *testing.T) {
		var calls atomic.Int32
		h := newHarness(t, func(c *Config) {
			c.OnFailure = func(tenant.ID, error) { calls.Add(1) }
		})
		h.client.FailFetches(fmt.Errorf("getUpdates: %w", messaging.ErrUnauthorized))
		h.start(t)

		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, StatusDegraded, h.sess.Status())
		assert.Equal(t, 1, h.client.FetchCalls())
	})
}

func TestPollingDeliversAndDedupes(t *testing.T) {
	seen := dedupe.NewUpdates(time.Minute, 100)
	t.Cleanup(seen.Close)
	h := newHarness(t, func(c *Config) { c.Seen = seen })
	h.start(t)

	ev := messaging.InboundEvent{UserID: "u1", ChatID: testChat, UpdateID: 900, Kind: messaging.KindText, Text: "/help"}
	h.client.PushEvents(ev)
	h.client.PushEvents(ev)
	got := h.client.WaitForSent(testChat, 1, waitFor)
	require.Equal(t, []string{flow.HelpText}, got)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.client.SentTo(testChat), 1)
	assert.True(t, seen.Check(dedupe.UpdateKey{Tenant: testTenant, UpdateID: 900}))
}

func TestStopDrainsInFlightEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	for _, text := range []string{"/income", "12.5", "Salary"} {
		require.NoError(t, h.sess.Deliver(context.Background(), textEvent("u1", testChat, text)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.sess.Stop(ctx))

	assert.Len(t, h.records.transactions(), 1)
	replies := h.client.SentTo(testChat)
	require.Len(t, replies, 3)
	assert.Equal(t, `Saved income of 12.50 in "Salary".`, replies[2])
	assert.Equal(t, StatusStopped, h.sess.Status())
	assert.True(t, h.client.Closed())

	err := h.sess.Deliver(context.Background(), textEvent("u1", testChat, "/help"))
	assert.ErrorIs(t, err, ErrStopped)

	select {
	case <-h.sess.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	require.NoError(t, h.sess.Stop(ctx), "second Stop is a no-op")
}

func TestWebhookMode(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Credential.Mode = tenant.ModeWebhook
		c.Credential.WebhookSecret = "s3cret"
		c.PublicURL = "https://bots.example.com/"
	})
	h.start(t)

	url, secret := h.client.Webhook()
	assert.Equal(t, "https://bots.example.com/webhook/t1", url)
	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, tenant.ModeWebhook, h.sess.Mode())

	replies := h.say(t, "/help")
	assert.Equal(t, flow.HelpText, replies[0])
	assert.Zero(t, h.client.FetchCalls())

	require.NoError(t, h.sess.Stop(context.Background()))
	assert.Equal(t, 1, h.client.DeleteWebhookCalls())
	assert.True(t, h.client.Closed())
}

func TestWebhookModeRequiresPublicURL(t *testing.T) {
	_, err := New(Config{
		Credential: tenant.Credential{TenantID: testTenant, Mode: tenant.ModeWebhook},
		Clients:    func(context.Context, tenant.Credential) (messaging.Client, error) { return messaging.NewFakeClient(), nil },
		States:     convstate.NewMemoryStore(0),
		Records:    newFakeRecords(),
	})
	assert.Error(t, err)
}

func TestStartFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.client.SetGetMeError(messaging.ErrUnauthorized)
	err := h.sess.Start(context.Background())
	require.ErrorIs(t, err, messaging.ErrUnauthorized)
	assert.True(t, h.client.Closed())

	h2 := newHarness(t, nil)
	h2.start(t)
	assert.ErrorIs(t, h2.sess.Start(context.Background()), ErrAlreadyStarted)
}

func photoEvent(user tenant.UserID, ref, caption string) messaging.InboundEvent {
	ev := textEvent(user, testChat, caption)
	ev.Kind = messaging.KindPhoto
	ev.FileRef = ref
	return ev
}

func TestReceiptFlow(t *testing.T) {
	var gotCategories []string
	x := extract.Func(func(_ context.Context, image []byte, categories []string) (*flow.Record, error) {
		if string(image) != "jpeg-bytes" {
			return nil, extract.ErrExtractionFailed
		}
		gotCategories = categories
		return &flow.Record{Type: flow.TypeExpense, AmountMinor: 1230, Note: "Corner Cafe", Source: flow.KindReceiptPhoto}, nil
	})
	h := newHarness(t, func(c *Config) { c.Extractor = x })
	h.client.AddFile("file-1", []byte("jpeg-bytes"))
	h.client.AddFile("file-2", []byte("blurry"))
	h.start(t)

	t.Run("confirm saves", func(t *testing.T) {
		require.NoError(t, h.sess.Deliver(context.Background(), photoEvent("u1", "file-1", "")))
		replies := h.client.WaitForSent(testChat, 2, waitFor)
		require.Len(t, replies, 2)
		assert.Equal(t, `From the receipt: expense of 12.30 in "Other" (Corner Cafe).`, replies[0])
		assert.Equal(t, "Receipt\nSave it? Reply yes or no.", replies[1])
		assert.Equal(t, []string{"Food", "Transport"}, gotCategories)

		replies = h.say(t, "yes")
		assert.Equal(t, `Saved expense of 12.30 in "Other".`, replies[0])
		txs := h.records.transactions()
		require.Len(t, txs, 1)
		assert.Equal(t, flow.Record{Type: flow.TypeExpense, AmountMinor: 1230, Category: "Other", Note: "Corner Cafe", Source: flow.KindReceiptPhoto}, txs[0])
	})

	t.Run("decline discards", func(t *testing.T) {
		before := len(h.client.SentTo(testChat))
		require.NoError(t, h.sess.Deliver(context.Background(), photoEvent("u1", "file-1", "")))
		h.client.WaitForSent(testChat, before+2, waitFor)

		replies := h.say(t, "no")
		assert.Equal(t, msgReceiptDiscarded, replies[0])
		assert.Len(t, h.records.transactions(), 1)
		assert.Nil(t, h.state(t, "u1"))
	})

	t.Run("unreadable photo", func(t *testing.T) {
		before := len(h.client.SentTo(testChat))
		require.NoError(t, h.sess.Deliver(context.Background(), photoEvent("u1", "file-2", "")))
		replies := h.client.WaitForSent(testChat, before+1, waitFor)
		assert.Equal(t, msgReceiptUnread, replies[before])
		assert.Nil(t, h.state(t, "u1"))
	})
}

func TestReceiptWithoutExtractor(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.NoError(t, h.sess.Deliver(context.Background(), photoEvent("u1", "file-1", "")))
	replies := h.client.WaitForSent(testChat, 1, waitFor)
	assert.Equal(t, []string{msgReceiptDisabled}, replies)
}

func TestPollBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	assert.Equal(t, base, pollBackoff(base, 1))
	assert.Equal(t, 2*base, pollBackoff(base, 2))
	assert.Equal(t, 8*base, pollBackoff(base, 4))
	assert.Equal(t, maxPollBackoff, pollBackoff(base, 20))
}
