// ABOUTME: Tests for the in-memory conversation store and tenant scopes
// ABOUTME: Validates expiry, sweeping, tenant isolation and concurrency safety

package convstate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/tenant"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore(ttl time.Duration) (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := NewMemoryStore(ttl)
	s.now = clock.Now
	return s, clock
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s, _ := newTestMemoryStore(time.Minute)

	st, err := s.Get(context.Background(), Key{Tenant: "t1", User: "u1"})
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestMemoryStore_SetGet(t *testing.T) {
	s, clock := newTestMemoryStore(time.Minute)
	ctx := context.Background()
	key := Key{Tenant: "t1", User: "u1"}

	err := s.Set(ctx, &State{Key: key, Flow: flow.KindCreateIncome, Step: 1, Collected: map[string]string{"amount": "5000"}})
	require.NoError(t, err)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, flow.KindCreateIncome, got.Flow)
	assert.Equal(t, 1, got.Step)
	assert.Equal(t, "5000", got.Collected["amount"])
	assert.Equal(t, clock.Now().Add(time.Minute), got.ExpiresAt)

	// The returned value is a copy.
	got.Collected["amount"] = "1"
	again, _ := s.Get(ctx, key)
	assert.Equal(t, "5000", again.Collected["amount"])
}

func TestMemoryStore_ExpiredNotReturned(t *testing.T) {
	s, clock := newTestMemoryStore(10 * time.Minute)
	ctx := context.Background()
	key := Key{Tenant: "t1", User: "u1"}

	require.NoError(t, s.Set(ctx, &State{Key: key, Flow: flow.KindCreateExpense}))
	clock.Advance(10 * time.Minute)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, s.Len(), "expired entry is dropped on access")
}

func TestMemoryStore_SetRefreshesExpiry(t *testing.T) {
	s, clock := newTestMemoryStore(10 * time.Minute)
	ctx := context.Background()
	key := Key{Tenant: "t1", User: "u1"}

	require.NoError(t, s.Set(ctx, &State{Key: key}))
	clock.Advance(9 * time.Minute)
	require.NoError(t, s.Set(ctx, &State{Key: key, Step: 1}))
	clock.Advance(9 * time.Minute)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Step)
}

func TestMemoryStore_SweepExpired(t *testing.T) {
	s, clock := newTestMemoryStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &State{Key: Key{Tenant: "t1", User: "old1"}}))
	require.NoError(t, s.Set(ctx, &State{Key: Key{Tenant: "t2", User: "old2"}}))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Set(ctx, &State{Key: Key{Tenant: "t1", User: "fresh"}}))

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Len())

	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore_ClearTenant(t *testing.T) {
	s, _ := newTestMemoryStore(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Set(ctx, &State{Key: Key{Tenant: "t1", User: tenant.UserID(fmt.Sprint(i))}}))
	}
	require.NoError(t, s.Set(ctx, &State{Key: Key{Tenant: "t2", User: "0"}}))

	n, err := s.ClearTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, _ := s.Get(ctx, Key{Tenant: "t2", User: "0"})
	assert.NotNil(t, got, "other tenant untouched")
}

func TestScope_IsolatesTenants(t *testing.T) {
	s, _ := newTestMemoryStore(time.Minute)
	ctx := context.Background()

	a := NewScope(s, "tA")
	b := NewScope(s, "tB")

	_, err := a.Start(ctx, "u1", flow.KindCreateIncome, map[string]string{flow.FieldType: flow.TypeIncome})
	require.NoError(t, err)

	got, err := b.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got, "same user id under another tenant must not be visible")

	// Saving through b with a key naming tenant A still lands in B's namespace.
	forged := &State{Key: Key{Tenant: "tA", User: "u1"}, Flow: flow.KindCreateExpense}
	require.NoError(t, b.Save(ctx, forged))

	mine, err := a.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, mine)
	assert.Equal(t, flow.KindCreateIncome, mine.Flow)

	theirs, err := b.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, theirs)
	assert.Equal(t, flow.KindCreateExpense, theirs.Flow)
}

func TestScope_StartReplaces(t *testing.T) {
	s, _ := newTestMemoryStore(time.Minute)
	ctx := context.Background()
	sc := NewScope(s, "t1")

	_, err := sc.Start(ctx, "u1", flow.KindCreateIncome, nil)
	require.NoError(t, err)
	_, err = sc.Start(ctx, "u1", flow.KindCreateCategory, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	got, _ := sc.Get(ctx, "u1")
	assert.Equal(t, flow.KindCreateCategory, got.Flow)
	assert.Equal(t, 0, got.Step)
}

func TestMemoryStore_Concurrency(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := Key{Tenant: tenant.ID(fmt.Sprintf("t%d", id%5)), User: tenant.UserID(fmt.Sprint(id))}
			for j := 0; j < 100; j++ {
				_ = s.Set(ctx, &State{Key: key, Step: j})
				_, _ = s.Get(ctx, key)
				_, _ = s.SweepExpired(ctx)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}

func TestRunSweeper(t *testing.T) {
	s, clock := newTestMemoryStore(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, &State{Key: Key{Tenant: "t1", User: "u1"}}))
	clock.Advance(time.Second)

	swept := make(chan int, 10)
	go RunSweeper(ctx, s, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)), func(n int) { swept <- n })

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run")
	}
}
